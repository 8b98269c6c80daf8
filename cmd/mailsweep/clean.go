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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/configdir"
	"github.com/matta/mailsweep/internal/journal"
	"github.com/matta/mailsweep/internal/metrics"
	"github.com/matta/mailsweep/internal/plan"
	"github.com/matta/mailsweep/internal/sweep"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type cleanFlags struct {
	maxMessages int
	yes         bool
	dryRun      bool
	json        bool
}

func newCleanCmd(a *app) *cobra.Command {
	var f cleanFlags
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Apply the rules to the inbox",
		Long: `clean reads the inbox, shows which messages match a rule and what
will happen to them, and after confirmation applies the actions in
batches.  Interrupting with Ctrl-C lets the batch in flight finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.clean(cmd, f)
		},
	}
	cmd.Flags().IntVarP(&f.maxMessages, "max-messages", "n", 0, "Scan at most this many messages (0 = all)")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Show the plan without changing anything")
	cmd.Flags().BoolVar(&f.json, "json", false, "Print the report as JSON")
	return cmd
}

func (a *app) batchOptions(maxBatch int) batch.Options {
	opts := batch.Options{
		BatchSize:     a.cfg.BatchSize,
		MaxRetries:    a.cfg.MaxRetries,
		BaseDelay:     a.cfg.BaseDelay,
		MaxDelay:      a.cfg.MaxDelay,
		SubmitTimeout: a.cfg.SubmitTimeout,
		Parallelism:   a.cfg.Parallelism,
		Logger:        a.log,
	}
	if maxBatch > 0 && opts.BatchSize > maxBatch {
		a.log.Info("batch size capped by provider", "requested", opts.BatchSize, "max", maxBatch)
		opts.BatchSize = maxBatch
	}
	return opts
}

func (a *app) openJournal(ctx context.Context) (*journal.DB, error) {
	dir, err := configdir.Ensure()
	if err != nil {
		return nil, err
	}
	return journal.Open(ctx, filepath.Join(dir, journal.FileName), a.log)
}

func (a *app) clean(cmd *cobra.Command, f cleanFlags) error {
	out := cmd.OutOrStdout()
	// Tables go to stderr when stdout carries JSON.
	view := out
	if f.json {
		view = cmd.ErrOrStderr()
	}

	rs, err := a.loadRules()
	if err != nil {
		return err
	}
	if rs.Len() == 0 {
		fmt.Fprintln(out, "No rules configured. Run 'mailsweep rules edit' to add some.")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mb, err := a.openMailbox(ctx)
	if err != nil {
		return err
	}
	defer mb.close()

	opts := sweep.Options{
		RuleSet:   rs,
		Source:    mb.source,
		Transport: mb.transport,
		Provider:  a.cfg.Provider,
		Plan: plan.Options{
			Limit:        f.maxMessages,
			FetchTimeout: a.cfg.FetchTimeout,
			Logger:       a.log,
		},
		Batch:  a.batchOptions(mb.maxBatch),
		DryRun: f.dryRun,
		Logger: a.log,
	}
	opts.Confirm = func(ctx context.Context, p *plan.Plan, fetchErr error) (bool, error) {
		if fetchErr != nil {
			fmt.Fprintf(view, "Warning: reading the inbox stopped early (%v).\nThe plan below covers only the messages read so far.\n\n", fetchErr)
		}
		if err := plan.RenderPreview(view, p); err != nil {
			return false, err
		}
		if f.yes || f.dryRun {
			return true, nil
		}
		return confirm(cmd.InOrStdin(), view, fmt.Sprintf("Apply %d actions?", p.Len()))
	}

	if a.cfg.Journal {
		j, err := a.openJournal(ctx)
		if err != nil {
			a.log.Warn("journal unavailable, run will not be recorded", "err", err)
		} else {
			defer j.Close()
			opts.Journal = j
		}
	}
	var m *metrics.Metrics
	if a.cfg.MetricsFile != "" {
		m = metrics.New()
		opts.Metrics = m
	}

	outcome, err := sweep.Run(ctx, opts)
	if err != nil {
		return interrupted(view, err)
	}
	if m != nil {
		if err := m.WriteTextfile(a.cfg.Resolve(a.cfg.MetricsFile)); err != nil {
			a.log.Warn("could not write metrics", "err", err)
		}
	}

	switch {
	case outcome.Plan.Len() == 0:
		return plan.RenderPreview(view, outcome.Plan)
	case outcome.Declined:
		fmt.Fprintln(view, "Aborted; no changes made.")
		return nil
	case outcome.Report == nil:
		fmt.Fprintln(view, "Dry run; no changes made.")
	case f.json:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome.Summary()); err != nil {
			return err
		}
	default:
		if err := batch.RenderReport(out, outcome.Report); err != nil {
			return err
		}
		if outcome.Partial() {
			fmt.Fprintln(out, "The inbox was only partly read; run clean again to finish.")
		}
	}
	if code := outcome.ExitCode(); code != batch.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

// interrupted turns a run stopped by Ctrl-C into ExitCancelled.
func interrupted(w io.Writer, err error) error {
	if !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintln(w, "Cancelled; no changes made.")
	return &exitError{code: batch.ExitCancelled}
}
