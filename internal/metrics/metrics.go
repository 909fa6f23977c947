// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

const namespace = "dealflow"

// Metrics holds the pipeline counters. All methods are safe on a nil receiver.
type Metrics struct {
	gatherer prometheus.Gatherer

	Documents   *prometheus.CounterVec
	Deals       *prometheus.CounterVec
	Drafts      *prometheus.CounterVec
	RunDuration prometheus.Histogram
	LastRun     prometheus.Gauge
	LastFound   prometheus.Gauge
}

// New registers the metrics on reg. Pass prometheus.NewRegistry() in tests so
// repeated construction does not collide on the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		Documents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Documents handled by outcome (success, ambiguous, failed, deferred)",
		}, []string{"outcome"}),
		Deals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deals_total",
			Help:      "CRM reconciliation results by action",
		}, []string{"action"}),
		Drafts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drafts_total",
			Help:      "Follow-up drafts by result",
		}, []string{"result"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of one poll cycle",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		LastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last poll cycle finished",
		}),
		LastFound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_documents_found",
			Help:      "New documents found by the last poll cycle",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordDocument(outcome string) {
	if m == nil {
		return
	}
	m.Documents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDeal(action string) {
	if m == nil {
		return
	}
	m.Deals.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordDraft(ok bool) {
	if m == nil {
		return
	}
	result := "created"
	if !ok {
		result = "failed"
	}
	m.Drafts.WithLabelValues(result).Inc()
}

// RecordRun observes a finished cycle.
func (m *Metrics) RecordRun(s domain.RunSummary) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
	m.LastRun.Set(float64(s.FinishedAt.Unix()))
	m.LastFound.Set(float64(s.Found))
}
