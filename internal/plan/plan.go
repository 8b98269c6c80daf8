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

// Package plan turns a mailbox into the list of actions a sweep will
// take.
package plan

import (
	"context"
	"log/slog"
	"time"

	"github.com/matta/mailsweep/internal/message"
	"github.com/matta/mailsweep/internal/rules"

	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// Entry is one matched message and the decision made about it.
type Entry struct {
	Message  message.Message
	Decision rules.Decision
}

// Plan is the ordered list of matched messages for one run.
type Plan struct {
	Entries []Entry
	// Scanned counts every message pulled from the Source, matched or
	// not, across committed pages.
	Scanned int
	Matched int
	// Truncated is set when planning stopped before the Source was
	// exhausted for any reason other than the limit.
	Truncated bool
}

// Len returns the number of planned actions.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Entries)
}

// CountByAction tallies the planned actions.
func (p *Plan) CountByAction() map[message.Action]int {
	counts := make(map[message.Action]int)
	if p == nil {
		return counts
	}
	for _, e := range p.Entries {
		counts[e.Decision.Action]++
	}
	return counts
}

// Options tune Build.
type Options struct {
	// Limit caps the number of messages scanned.  Zero or less means
	// no cap.
	Limit int
	// FetchTimeout bounds each NextPage call.  Zero means none.
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// Build pulls messages from src and evaluates each against rs,
// keeping the matches in arrival order.  A message listed more than
// once is planned and counted once.
//
// Decisions are committed a page at a time.  If src fails, the
// decisions from the failed page are dropped, the returned plan is
// marked Truncated, and the error is a *FetchError.  Build never
// returns a truncated plan with a nil error.
func Build(ctx context.Context, rs *rules.RuleSet, src Source, opts Options) (*Plan, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Plan{}
	seen := make(map[string]bool)
	for page := 1; ; page++ {
		if opts.Limit > 0 && p.Scanned >= opts.Limit {
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			p.Truncated = true
			return p, &FetchError{Page: page, Err: err}
		}

		msgs, err := fetch(ctx, src, opts.FetchTimeout)
		if errors.Is(err, iterator.Done) {
			return p, nil
		}
		if err != nil {
			p.Truncated = true
			log.Warn("message fetch failed", "page", page, "committed", len(p.Entries), "err", err)
			return p, &FetchError{
				Page:      page,
				Transient: IsTransient(err) || timedOut(ctx, err),
				Err:       errors.Wrap(err, "message source"),
			}
		}

		var pending []Entry
		scanned := 0
		for _, m := range msgs {
			if opts.Limit > 0 && p.Scanned+scanned >= opts.Limit {
				break
			}
			// The inbox can shift while we page through it.
			if seen[m.ID] {
				log.Debug("message listed twice", "page", page, "message_id", m.ID)
				continue
			}
			seen[m.ID] = true
			scanned++
			if d, ok := rs.Evaluate(m); ok {
				pending = append(pending, Entry{Message: m, Decision: d})
			}
		}
		p.Entries = append(p.Entries, pending...)
		p.Scanned += scanned
		p.Matched += len(pending)
		log.Debug("page planned", "page", page, "messages", len(msgs), "matched", len(pending), "total_scanned", p.Scanned)
	}
}

// timedOut reports whether err is the per-page FetchTimeout expiring
// rather than the caller's own deadline.
func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

func fetch(ctx context.Context, src Source, timeout time.Duration) ([]message.Message, error) {
	if timeout <= 0 {
		return src.NextPage(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return src.NextPage(ctx)
}
