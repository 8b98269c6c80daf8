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

// Package batch applies a plan to the remote mailbox in bounded
// batches, retrying transient failures with backoff.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matta/mailsweep/internal/plan"
	"github.com/matta/mailsweep/internal/retry"

	"golang.org/x/sync/errgroup"
)

// Reasons given to Skipped items.
const (
	ReasonCancelled = "cancelled"
	ReasonDuplicate = "duplicate of an earlier action on the same message"
)

// Options configure an Executor.
type Options struct {
	// BatchSize is the most requests in one Submit call.
	BatchSize int
	// MaxRetries is the most times any one item is submitted.
	MaxRetries int
	// BaseDelay is the wait before the first retry round.  Later
	// rounds double it, up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// SubmitTimeout bounds each Submit call.  Zero means none.
	SubmitTimeout time.Duration
	// Parallelism is how many batches of one round may be in flight
	// together.
	Parallelism int

	Logger *slog.Logger
	Hooks  Hooks
}

// Hooks observe an execution.  Any of them may be nil.  They are
// called from the goroutine running Execute.
type Hooks struct {
	BatchSubmitted func(size int, elapsed time.Duration, err error)
	ItemRetried    func(it Item, round int)
}

func DefaultOptions() Options {
	return Options{
		BatchSize:     20,
		MaxRetries:    3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		SubmitTimeout: 60 * time.Second,
		Parallelism:   1,
	}
}

// Executor runs plans against one Transport.
type Executor struct {
	transport Transport
	opts      Options
	log       *slog.Logger
	backoff   func(int) time.Duration
	sleep     func(context.Context, time.Duration) error
}

// New returns an Executor.  Out of range options are raised to their
// smallest useful value.
func New(t Transport, opts Options) *Executor {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		transport: t,
		opts:      opts,
		log:       log,
		backoff: retry.ExponentialBackoff(retry.BackoffConfig{
			InitialInterval: opts.BaseDelay,
			MaxInterval:     opts.MaxDelay,
			Multiplier:      2,
			Jitter:          true,
		}),
		sleep: retry.Sleep,
	}
}

// NewItems returns one Pending item per plan entry, in plan order.
func NewItems(p *plan.Plan) []Item {
	items := make([]Item, 0, p.Len())
	if p == nil {
		return items
	}
	for _, e := range p.Entries {
		items = append(items, Item{
			MessageID: e.Message.ID,
			Action:    e.Decision.Action,
			RuleName:  e.Decision.RuleName,
		})
	}
	return items
}

// Execute applies every entry of p and reports the fate of each.
// It always returns a Report; failures of individual items do not
// stop the run.
//
// Cancelling ctx stops dispatch at the next batch boundary.  Batches
// already submitted run to completion under SubmitTimeout.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) *Report {
	return e.ExecuteItems(ctx, NewItems(p))
}

// ExecuteItems is Execute for items built by the caller.  The items
// are copied; the caller's slice is not modified.  Only the first
// item for any message id is submitted; later ones are Skipped.
func (e *Executor) ExecuteItems(ctx context.Context, in []Item) *Report {
	start := time.Now()
	items := make([]Item, len(in))
	copy(items, in)
	queue := make([]int, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i := range items {
		items[i].Status = Pending
		if seen[items[i].MessageID] {
			e.log.Warn("duplicate message in plan", "message_id", items[i].MessageID)
			skip(items, []int{i}, ReasonDuplicate)
			continue
		}
		seen[items[i].MessageID] = true
		queue = append(queue, i)
	}

	cancelled := false
	round := 0
	var hint time.Duration
	for len(queue) > 0 {
		round++
		if round > 1 {
			delay := e.backoff(round - 1)
			if hint > delay {
				delay = hint
			}
			e.log.Info("retrying transient failures", "round", round, "items", len(queue), "delay", delay)
			if err := e.sleep(ctx, delay); err != nil {
				cancelled = true
				skip(items, queue, ReasonCancelled)
				break
			}
		}
		var next []int
		next, hint, cancelled = e.runRound(ctx, items, queue, round)
		if cancelled {
			skip(items, next, ReasonCancelled)
			break
		}
		queue = next
	}
	return newReport(items, cancelled, round, time.Since(start))
}

type submission struct {
	dispatched bool
	results    []Result
	err        error
	elapsed    time.Duration
}

// runRound submits queue in batches and applies the results.  It
// returns the items to retry, the longest wait the service asked
// for, and whether cancellation stopped dispatch, in which case
// undispatched items are already Skipped.
func (e *Executor) runRound(ctx context.Context, items []Item, queue []int, round int) ([]int, time.Duration, bool) {
	batches := partition(queue, e.opts.BatchSize)
	subs := make([]submission, len(batches))

	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for i := range batches {
		if ctx.Err() != nil {
			break
		}
		reqs := requests(items, batches[i])
		g.Go(func() error {
			// The slot may have been waited for; look again.
			if ctx.Err() != nil {
				return nil
			}
			subs[i] = e.submit(ctx, reqs)
			return nil
		})
	}
	g.Wait()

	var next []int
	var hint time.Duration
	cancelled := false
	for i, batch := range batches {
		s := subs[i]
		if !s.dispatched {
			cancelled = true
			skip(items, batch, ReasonCancelled)
			continue
		}
		if h := e.opts.Hooks.BatchSubmitted; h != nil {
			h(len(batch), s.elapsed, s.err)
		}
		e.log.Debug("batch submitted", "round", round, "batch", i+1, "of", len(batches),
			"size", len(batch), "elapsed", s.elapsed, "err", s.err)
		again, wait := e.apply(items, batch, s, round)
		next = append(next, again...)
		if wait > hint {
			hint = wait
		}
	}
	return next, hint, cancelled
}

func (e *Executor) submit(ctx context.Context, reqs []Request) submission {
	sctx := context.WithoutCancel(ctx)
	if e.opts.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, e.opts.SubmitTimeout)
		defer cancel()
	}
	start := time.Now()
	results, err := e.transport.Submit(sctx, reqs)
	return submission{
		dispatched: true,
		results:    results,
		err:        err,
		elapsed:    time.Since(start),
	}
}

// apply records the results of one batch.  It returns the items that
// should go into the next round and the longest RetryAfter among them.
func (e *Executor) apply(items []Item, batch []int, s submission, round int) ([]int, time.Duration) {
	var again []int
	var wait time.Duration
	if s.err != nil {
		permanent := IsPermanent(s.err)
		for _, idx := range batch {
			it := &items[idx]
			it.Attempts++
			if permanent {
				e.fail(it, 0, s.err.Error())
				continue
			}
			if e.transient(it, 0, s.err.Error(), round) {
				again = append(again, idx)
			}
		}
		return again, 0
	}

	byID := make(map[string]Result, len(s.results))
	for _, r := range s.results {
		if _, dup := byID[r.MessageID]; dup {
			e.log.Warn("duplicate result ignored", "message_id", r.MessageID)
			continue
		}
		byID[r.MessageID] = r
	}
	for _, idx := range batch {
		it := &items[idx]
		it.Attempts++
		r, ok := byID[it.MessageID]
		if !ok {
			if e.transient(it, 0, "no result in response", round) {
				again = append(again, idx)
			}
			continue
		}
		delete(byID, it.MessageID)
		switch r.Outcome {
		case Success:
			it.Status = Succeeded
			it.Code = r.Code
			it.Reason = ""
		case TransientFailure:
			if e.transient(it, r.Code, r.Reason, round) {
				again = append(again, idx)
				if r.RetryAfter > wait {
					wait = r.RetryAfter
				}
			}
		default:
			e.fail(it, r.Code, r.Reason)
		}
	}
	for id := range byID {
		e.log.Warn("result for unknown message ignored", "message_id", id)
	}
	return again, wait
}

// transient records a retryable failure and reports whether the item
// has attempts left.
func (e *Executor) transient(it *Item, code int, reason string, round int) bool {
	it.Code = code
	it.Reason = reason
	if it.Attempts < e.opts.MaxRetries {
		if h := e.opts.Hooks.ItemRetried; h != nil {
			h(*it, round)
		}
		return true
	}
	e.fail(it, code, fmt.Sprintf("giving up after %d attempts: %s", it.Attempts, reason))
	return false
}

func (e *Executor) fail(it *Item, code int, reason string) {
	it.Status = Failed
	it.Code = code
	it.Reason = reason
	e.log.Warn("action failed", "message_id", it.MessageID, "action", it.Action,
		"attempts", it.Attempts, "code", code, "reason", reason)
}

func skip(items []Item, idxs []int, reason string) {
	for _, idx := range idxs {
		items[idx].Status = Skipped
		items[idx].Reason = reason
	}
}

func partition(queue []int, size int) [][]int {
	var out [][]int
	for len(queue) > 0 {
		n := size
		if n > len(queue) {
			n = len(queue)
		}
		out = append(out, queue[:n])
		queue = queue[n:]
	}
	return out
}

func requests(items []Item, batch []int) []Request {
	reqs := make([]Request, len(batch))
	for i, idx := range batch {
		reqs[i] = Request{MessageID: items[idx].MessageID, Action: items[idx].Action}
	}
	return reqs
}
