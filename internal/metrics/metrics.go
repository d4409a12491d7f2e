// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the worker's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes.
const (
	OutcomeCompleted    = "completed"
	OutcomeDuplicate    = "duplicate"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomePanicked     = "panicked"
	OutcomeDeferred     = "deferred"
	OutcomeInterrupted  = "interrupted"
)

// Metrics holds every instrument. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	JobsTotal          *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	DeliveryDuration   *prometheus.HistogramVec
	AttachmentVerdicts *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	ReclaimedJobs      *prometheus.CounterVec
	EnqueuedJobs       *prometheus.CounterVec
	DuplicateEnqueues  *prometheus.CounterVec
	registry           *prometheus.Registry
}

// New creates the instruments on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_jobs_total",
			Help: "Jobs finished per lane and outcome",
		}, []string{"lane", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatbridge_job_duration_seconds",
			Help:    "Time spent processing one job attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"lane"}),
		DeliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatbridge_delivery_duration_seconds",
			Help:    "Latency of outbound provider calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider", "result"}),
		AttachmentVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_attachment_verdicts_total",
			Help: "Attachment safety gate verdicts by scan status",
		}, []string{"status"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatbridge_queue_depth",
			Help: "Jobs per lane and state",
		}, []string{"lane", "state"}),
		ReclaimedJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_reclaimed_jobs_total",
			Help: "Jobs returned to pending after their lease expired",
		}, []string{"lane"}),
		EnqueuedJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_enqueued_jobs_total",
			Help: "Jobs accepted onto a lane",
		}, []string{"lane"}),
		DuplicateEnqueues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_duplicate_enqueues_total",
			Help: "Enqueue calls dropped because the job was already live",
		}, []string{"lane"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) JobFinished(lane, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(lane, outcome).Inc()
	m.JobDuration.WithLabelValues(lane).Observe(d.Seconds())
}

func (m *Metrics) Delivery(provider string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DeliveryDuration.WithLabelValues(provider, result).Observe(d.Seconds())
}

func (m *Metrics) AttachmentVerdict(status string) {
	if m == nil {
		return
	}
	m.AttachmentVerdicts.WithLabelValues(status).Inc()
}

func (m *Metrics) SetQueueDepth(lane, state string, n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(lane, state).Set(float64(n))
}

func (m *Metrics) Reclaimed(lane string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReclaimedJobs.WithLabelValues(lane).Add(float64(n))
}

func (m *Metrics) Enqueued(lane string, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.DuplicateEnqueues.WithLabelValues(lane).Inc()
		return
	}
	m.EnqueuedJobs.WithLabelValues(lane).Inc()
}
