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

// Package metrics counts what a sweep did in Prometheus form.  A
// one-shot CLI has no scrape endpoint, so metrics are written to a
// node_exporter textfile at the end of a run.
package metrics

import (
	"time"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/plan"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds one run's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Scanned       prometheus.Counter
	Matched       *prometheus.CounterVec
	Items         *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	Submits       *prometheus.CounterVec
	SubmitSeconds prometheus.Histogram
	LastRun       prometheus.Gauge
}

// New registers a fresh set of collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Scanned: f.NewCounter(prometheus.CounterOpts{
			Name: "mailsweep_messages_scanned_total",
			Help: "Messages read from the mailbox and evaluated against the rules",
		}),
		Matched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsweep_messages_matched_total",
			Help: "Messages that matched a rule, by action",
		}, []string{"action"}),
		Items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsweep_actions_total",
			Help: "Planned actions by action and final status",
		}, []string{"action", "status"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsweep_action_retries_total",
			Help: "Actions resubmitted after a transient failure",
		}, []string{"action"}),
		Submits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsweep_batch_submits_total",
			Help: "Batch requests sent to the provider",
		}, []string{"result"}),
		SubmitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailsweep_batch_submit_seconds",
			Help:    "Latency of batch requests in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		LastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailsweep_last_run_timestamp_seconds",
			Help: "Unix time the run finished",
		}),
	}
}

// Hooks returns executor hooks that feed m.
func (m *Metrics) Hooks() batch.Hooks {
	return batch.Hooks{
		BatchSubmitted: func(size int, elapsed time.Duration, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.Submits.WithLabelValues(result).Inc()
			m.SubmitSeconds.Observe(elapsed.Seconds())
		},
		ItemRetried: func(it batch.Item, round int) {
			m.Retries.WithLabelValues(it.Action.String()).Inc()
		},
	}
}

// ObservePlan records the scan and match counts of p.
func (m *Metrics) ObservePlan(p *plan.Plan) {
	if p == nil {
		return
	}
	m.Scanned.Add(float64(p.Scanned))
	for action, n := range p.CountByAction() {
		m.Matched.WithLabelValues(action.String()).Add(float64(n))
	}
}

// ObserveReport records the final status of every item in rep.
func (m *Metrics) ObserveReport(rep *batch.Report, now time.Time) {
	if rep != nil {
		for _, it := range rep.Items {
			m.Items.WithLabelValues(it.Action.String(), it.Status.String()).Inc()
		}
	}
	m.LastRun.Set(float64(now.Unix()))
}

// WriteTextfile writes the metrics in the Prometheus text format,
// replacing path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return errors.Wrapf(prometheus.WriteToTextfile(path, m.reg), "writing metrics to %s", path)
}
