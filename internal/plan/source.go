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

package plan

import (
	"context"
	"fmt"

	"github.com/matta/mailsweep/internal/message"

	"github.com/pkg/errors"
)

// Source produces the messages of one mailbox a page at a time.
//
// NextPage returns iterator.Done (google.golang.org/api/iterator) once
// every page has been delivered.  Any other error ends planning.
type Source interface {
	NextPage(ctx context.Context) ([]message.Message, error)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Cause() error  { return e.err }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying at a later time.  Sources
// use it for rate limiting and server-side failures.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked
// with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// FetchError reports that the Source failed while planning.  The plan
// returned alongside it holds every page committed before Page.
type FetchError struct {
	// Page is the one based number of the page that failed.
	Page      int
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("fetching page %d (%s): %v", e.Page, kind, e.Err)
}

func (e *FetchError) Cause() error  { return e.Err }
func (e *FetchError) Unwrap() error { return e.Err }
