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

// Package sweep runs one inbox cleaning pass: plan, confirm, execute
// and record.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/journal"
	"github.com/matta/mailsweep/internal/metrics"
	"github.com/matta/mailsweep/internal/plan"
	"github.com/matta/mailsweep/internal/rules"

	"github.com/pkg/errors"
)

// ErrNoRules is returned when there is nothing to match against.
var ErrNoRules = errors.New("no rules configured")

type Options struct {
	RuleSet   *rules.RuleSet
	Source    plan.Source
	Transport batch.Transport
	// Provider labels the run in the journal.
	Provider string

	Plan  plan.Options
	Batch batch.Options

	// Confirm is asked before anything is changed.  Nil means yes.
	Confirm Confirmer
	// DryRun stops after planning.
	DryRun bool

	Journal Recorder
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Outcome describes how far a run got.
type Outcome struct {
	Plan *plan.Plan
	// FetchErr is set when Plan is partial.
	FetchErr error
	Declined bool
	// Report is nil unless the plan was executed.
	Report *batch.Report
	// RunID is the journal's id for the run, or 0.
	RunID int64
}

// Partial reports whether the plan stopped short of the whole inbox.
func (o *Outcome) Partial() bool {
	return o.FetchErr != nil
}

// ExitCode maps the outcome onto a process exit status.  A partial
// plan that was not declined exits with batch.ExitFailures even when
// every planned action succeeded.
func (o *Outcome) ExitCode() int {
	code := batch.ExitOK
	if o.Report != nil {
		code = o.Report.ExitCode()
	}
	if code == batch.ExitOK && o.Partial() && !o.Declined {
		code = batch.ExitFailures
	}
	return code
}

// Summary is the JSON form of an executed Outcome.
type Summary struct {
	*batch.Report
	Partial    bool   `json:"partial"`
	FetchError string `json:"fetch_error,omitempty"`
}

func (o *Outcome) Summary() Summary {
	s := Summary{Report: o.Report, Partial: o.Partial()}
	if o.FetchErr != nil {
		s.FetchError = o.FetchErr.Error()
	}
	return s
}

// Run plans a sweep of opts.Source and, once confirmed, applies it
// through opts.Transport.
//
// A fetch failure aborts the run if nothing was planned before it or
// ctx is done; otherwise the partial plan goes to Confirm along with the
// error.  Failed actions never make Run return an error; they are in
// the Report.
func Run(ctx context.Context, opts Options) (*Outcome, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.RuleSet == nil || opts.RuleSet.Len() == 0 {
		return nil, ErrNoRules
	}
	started := now()

	planOpts := opts.Plan
	if planOpts.Logger == nil {
		planOpts.Logger = log
	}
	log.Info("planning sweep", "rules", opts.RuleSet.Len(), "limit", planOpts.Limit)
	p, err := plan.Build(ctx, opts.RuleSet, opts.Source, planOpts)
	out := &Outcome{Plan: p}
	if err != nil {
		if p.Len() == 0 || ctx.Err() != nil {
			return out, errors.Wrap(err, "planning failed")
		}
		log.Warn("continuing with a partial plan", "planned", p.Len(), "err", err)
		out.FetchErr = err
	}
	if opts.Metrics != nil {
		opts.Metrics.ObservePlan(p)
	}

	run := journal.Run{
		Started:  started,
		Provider: opts.Provider,
		DryRun:   opts.DryRun,
		Scanned:  p.Scanned,
		Matched:  p.Matched,
	}

	if p.Len() == 0 {
		log.Info("nothing to do", "scanned", p.Scanned)
		out.RunID = record(ctx, opts.Journal, run, nil, log)
		return out, nil
	}

	if opts.Confirm != nil {
		ok, err := opts.Confirm(ctx, p, out.FetchErr)
		if err != nil {
			return out, errors.Wrap(err, "confirmation failed")
		}
		if !ok {
			log.Info("plan declined", "planned", p.Len())
			out.Declined = true
			return out, nil
		}
	}

	if opts.DryRun {
		log.Info("dry run, not executing", "planned", p.Len())
		out.RunID = record(ctx, opts.Journal, run, nil, log)
		return out, nil
	}

	batchOpts := opts.Batch
	if batchOpts.Logger == nil {
		batchOpts.Logger = log
	}
	if opts.Metrics != nil {
		batchOpts.Hooks = chainHooks(batchOpts.Hooks, opts.Metrics.Hooks())
	}
	rep := batch.New(opts.Transport, batchOpts).Execute(ctx, p)
	out.Report = rep
	log.Info("sweep finished",
		"succeeded", rep.Succeeded,
		"failed", len(rep.Failed),
		"skipped", len(rep.Skipped),
		"cancelled", rep.Cancelled,
		"rounds", rep.Rounds)

	if opts.Metrics != nil {
		opts.Metrics.ObserveReport(rep, now())
	}
	run.Duration = now().Sub(started)
	// The journal must be written even after an interrupt.
	out.RunID = record(context.WithoutCancel(ctx), opts.Journal, run, rep, log)
	return out, nil
}

// record stores the run, logging instead of failing: the mailbox has
// already been changed by now.
func record(ctx context.Context, j Recorder, run journal.Run, rep *batch.Report, log *slog.Logger) int64 {
	if j == nil {
		return 0
	}
	id, err := j.RecordRun(ctx, run, rep)
	if err != nil {
		log.Warn("could not record run in journal", "err", err)
		return 0
	}
	return id
}

func chainHooks(a, b batch.Hooks) batch.Hooks {
	return batch.Hooks{
		BatchSubmitted: func(size int, elapsed time.Duration, err error) {
			if a.BatchSubmitted != nil {
				a.BatchSubmitted(size, elapsed, err)
			}
			if b.BatchSubmitted != nil {
				b.BatchSubmitted(size, elapsed, err)
			}
		},
		ItemRetried: func(it batch.Item, round int) {
			if a.ItemRetried != nil {
				a.ItemRetried(it, round)
			}
			if b.ItemRetried != nil {
				b.ItemRetried(it, round)
			}
		},
	}
}
