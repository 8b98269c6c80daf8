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
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/journal"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		runID  int64
		failed bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sweeps from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			defer j.Close()
			if runID > 0 {
				var only *batch.Status
				if failed {
					s := batch.Failed
					only = &s
				}
				items, err := j.Items(cmd.Context(), runID, only)
				if err != nil {
					return err
				}
				renderItems(cmd.OutOrStdout(), items)
				return nil
			}
			runs, err := j.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to show")
	cmd.Flags().Int64Var(&runID, "run", 0, "Show the actions of one run")
	cmd.Flags().BoolVar(&failed, "failed", false, "With --run, show only failed actions")
	return cmd
}

func renderRuns(w io.Writer, runs []journal.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet.")
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("RUN", "WHEN", "PROVIDER", "SCANNED", "MATCHED", "OK", "FAILED", "SKIPPED", "TOOK", "NOTE")
	for _, r := range runs {
		note := ""
		switch {
		case r.DryRun:
			note = "dry run"
		case r.Cancelled:
			note = "cancelled"
		}
		t.Row(strconv.FormatInt(r.ID, 10), humanize.Time(r.Started), r.Provider,
			humanize.Comma(int64(r.Scanned)), humanize.Comma(int64(r.Matched)),
			strconv.Itoa(r.Succeeded), strconv.Itoa(r.Failed), strconv.Itoa(r.Skipped),
			r.Duration.Round(time.Millisecond).String(), note)
	}
	fmt.Fprintln(w, t.String())
}

func renderItems(w io.Writer, items []batch.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No actions recorded for that run.")
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("MESSAGE", "ACTION", "RULE", "STATUS", "ATTEMPTS", "REASON")
	for _, it := range items {
		t.Row(it.MessageID, it.Action.String(), it.RuleName, it.Status.String(),
			strconv.Itoa(it.Attempts), it.Reason)
	}
	fmt.Fprintln(w, t.String())
}
