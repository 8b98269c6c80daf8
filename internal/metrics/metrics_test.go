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

package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/message"
	"github.com/matta/mailsweep/internal/plan"
	"github.com/matta/mailsweep/internal/rules"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObservePlanAndReport(t *testing.T) {
	m := New()
	p := &plan.Plan{
		Scanned: 7,
		Matched: 3,
		Entries: []plan.Entry{
			{Message: message.Message{ID: "1"}, Decision: rules.Decision{Action: message.Archive}},
			{Message: message.Message{ID: "2"}, Decision: rules.Decision{Action: message.Archive}},
			{Message: message.Message{ID: "3"}, Decision: rules.Decision{Action: message.Delete}},
		},
	}
	m.ObservePlan(p)
	m.ObservePlan(nil)

	rep := &batch.Report{Items: []batch.Item{
		{MessageID: "1", Action: message.Archive, Status: batch.Succeeded},
		{MessageID: "2", Action: message.Archive, Status: batch.Failed},
		{MessageID: "3", Action: message.Delete, Status: batch.Succeeded},
	}}
	m.ObserveReport(rep, time.Unix(1700000000, 0))

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"scanned", testutil.ToFloat64(m.Scanned), 7},
		{"matched archive", testutil.ToFloat64(m.Matched.WithLabelValues("archive")), 2},
		{"matched delete", testutil.ToFloat64(m.Matched.WithLabelValues("delete")), 1},
		{"archive succeeded", testutil.ToFloat64(m.Items.WithLabelValues("archive", "succeeded")), 1},
		{"archive failed", testutil.ToFloat64(m.Items.WithLabelValues("archive", "failed")), 1},
		{"delete succeeded", testutil.ToFloat64(m.Items.WithLabelValues("delete", "succeeded")), 1},
		{"last run", testutil.ToFloat64(m.LastRun), 1700000000},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestHooks(t *testing.T) {
	m := New()
	h := m.Hooks()
	h.BatchSubmitted(5, 200*time.Millisecond, nil)
	h.BatchSubmitted(5, time.Second, errors.New("503"))
	h.ItemRetried(batch.Item{Action: message.MarkRead}, 2)

	if got := testutil.ToFloat64(m.Submits.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok submits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Submits.WithLabelValues("error")); got != 1 {
		t.Errorf("error submits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Retries.WithLabelValues("mark_read")); got != 1 {
		t.Errorf("mark_read retries = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.SubmitSeconds); got != 1 {
		t.Errorf("histogram series = %d, want 1", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Scanned.Add(3)
	path := filepath.Join(t.TempDir(), "mailsweep.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "mailsweep_messages_scanned_total 3") {
		t.Errorf("textfile missing scanned counter:\n%s", data)
	}
}
