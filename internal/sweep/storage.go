// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sweep

// This file declares what a sweep needs from its collaborators.

import (
	"context"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/journal"
	"github.com/matta/mailsweep/internal/plan"
)

// Recorder stores the result of a run.
type Recorder interface {
	RecordRun(ctx context.Context, run journal.Run, rep *batch.Report) (int64, error)
}

// Confirmer decides whether to execute p.  fetchErr is non-nil when p
// is partial because the mailbox stopped answering.
type Confirmer func(ctx context.Context, p *plan.Plan, fetchErr error) (bool, error)
