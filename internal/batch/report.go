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

package batch

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/matta/mailsweep/internal/message"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Exit codes returned by Report.ExitCode.
const (
	ExitOK        = 0
	ExitFailures  = 1
	ExitCancelled = 130
)

// Report is the final accounting of one execution.
type Report struct {
	// Counts holds successful actions per action type.
	Counts    map[message.Action]int `json:"counts"`
	Succeeded int                    `json:"succeeded"`
	Failed    []Item                 `json:"failed"`
	Skipped   []Item                 `json:"skipped"`
	// Cancelled marks a run stopped before every item was dispatched.
	Cancelled bool          `json:"cancelled"`
	Rounds    int           `json:"rounds"`
	Duration  time.Duration `json:"duration_ns"`
	// Items holds every item in plan order.
	Items []Item `json:"-"`
}

func newReport(items []Item, cancelled bool, rounds int, d time.Duration) *Report {
	r := &Report{
		Counts:    make(map[message.Action]int),
		Failed:    []Item{},
		Skipped:   []Item{},
		Cancelled: cancelled,
		Rounds:    rounds,
		Duration:  d,
		Items:     items,
	}
	for i := range items {
		if items[i].Status == Pending {
			items[i].Status = Failed
			items[i].Reason = "internal error: never processed"
		}
		it := items[i]
		switch it.Status {
		case Succeeded:
			r.Succeeded++
			r.Counts[it.Action]++
		case Failed:
			r.Failed = append(r.Failed, it)
		case Skipped:
			r.Skipped = append(r.Skipped, it)
		}
	}
	return r
}

// Total is the number of items accounted for.
func (r *Report) Total() int {
	return len(r.Items)
}

// ExitCode maps the report to a process exit status.
func (r *Report) ExitCode() int {
	switch {
	case r.Cancelled:
		return ExitCancelled
	case len(r.Failed) > 0:
		return ExitFailures
	}
	return ExitOK
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// RenderReport writes a human readable summary of r.
func RenderReport(w io.Writer, r *Report) error {
	for _, a := range message.Actions {
		if n := r.Counts[a]; n > 0 {
			if _, err := fmt.Fprintln(w, okStyle.Render(fmt.Sprintf("%s %d messages", capitalize(a.PastTense()), n))); err != nil {
				return err
			}
		}
	}
	if len(r.Failed) > 0 {
		fmt.Fprintln(w, failStyle.Render(fmt.Sprintf("%d actions failed:", len(r.Failed))))
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("MESSAGE", "ACTION", "ATTEMPTS", "CODE", "REASON")
		for _, it := range r.Failed {
			code := "-"
			if it.Code != 0 {
				code = strconv.Itoa(it.Code)
			}
			t.Row(it.MessageID, it.Action.String(), strconv.Itoa(it.Attempts), code, it.Reason)
		}
		fmt.Fprintln(w, t.String())
	}
	skipped := make(map[string]int)
	for _, it := range r.Skipped {
		skipped[it.Reason]++
	}
	if n := skipped[ReasonDuplicate]; n > 0 {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("Skipped %d duplicate actions.", n)))
	}
	if r.Cancelled {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("Cancelled: %d actions were not attempted.", skipped[ReasonCancelled])))
	}
	_, err := fmt.Fprintf(w, "%d of %d actions completed in %s.\n",
		r.Succeeded, r.Total(), r.Duration.Round(time.Millisecond))
	return err
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
