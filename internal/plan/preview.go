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
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/matta/mailsweep/internal/message"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

// Row is one line of a plan preview.
type Row struct {
	Action   message.Action
	Rule     string
	Sender   string
	Subject  string
	Received time.Time
}

// Preview returns one row per planned action, in plan order.
func (p *Plan) Preview() []Row {
	rows := make([]Row, 0, p.Len())
	if p == nil {
		return rows
	}
	for _, e := range p.Entries {
		rows = append(rows, Row{
			Action:   e.Decision.Action,
			Rule:     e.Decision.RuleName,
			Sender:   e.Message.Sender,
			Subject:  e.Message.Subject,
			Received: e.Message.Received,
		})
	}
	return rows
}

const maxCell = 48

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	actionStyles = map[message.Action]lipgloss.Style{
		message.Archive:  lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		message.Delete:   lipgloss.NewStyle().Foreground(lipgloss.Color("160")),
		message.MarkRead: lipgloss.NewStyle().Foreground(lipgloss.Color("35")),
	}
)

// StyleAction renders an action name in its colour.
func StyleAction(a message.Action) string {
	if s, ok := actionStyles[a]; ok {
		return s.Render(a.String())
	}
	return a.String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func received(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// RenderPreview writes the plan as a table followed by a summary line.
func RenderPreview(w io.Writer, p *Plan) error {
	rows := p.Preview()
	if len(rows) == 0 {
		_, err := fmt.Fprintf(w, "Scanned %d messages, none matched any rule.\n", scanned(p))
		return err
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headerStyle.Render("ACTION"), headerStyle.Render("SENDER"),
			headerStyle.Render("SUBJECT"), headerStyle.Render("RECEIVED"),
			headerStyle.Render("RULE"))
	for _, r := range rows {
		t.Row(StyleAction(r.Action), truncate(r.Sender, maxCell),
			truncate(r.Subject, maxCell), dimStyle.Render(received(r.Received)),
			dimStyle.Render(truncate(r.Rule, maxCell)))
	}
	if _, err := fmt.Fprintln(w, t.String()); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, Summary(p))
	return err
}

func scanned(p *Plan) int {
	if p == nil {
		return 0
	}
	return p.Scanned
}

// Summary describes the plan in one line, for example
// "Scanned 120 messages, 7 matched: 3 archive, 4 delete".
func Summary(p *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scanned %d messages, %d matched", scanned(p), p.Len())
	counts := p.CountByAction()
	sep := ": "
	for _, a := range message.Actions {
		if n := counts[a]; n > 0 {
			fmt.Fprintf(&b, "%s%d %s", sep, n, a)
			sep = ", "
		}
	}
	if p != nil && p.Truncated {
		b.WriteString(" (incomplete: fetching stopped early)")
	}
	return b.String()
}
