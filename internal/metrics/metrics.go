// Package metrics exposes Prometheus instrumentation for the
// publishing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	Published      *prometheus.CounterVec
	Failed         *prometheus.CounterVec
	Skipped        *prometheus.CounterVec
	Deferred       *prometheus.CounterVec
	QuotaExhausted *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
}

// New registers the pipeline collectors with reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry
// to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gopost_published_total",
			Help: "Content items successfully published, by platform.",
		}, []string{"platform"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gopost_failed_total",
			Help: "Content items terminally failed, by platform and error kind.",
		}, []string{"platform", "kind"}),
		Skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gopost_skipped_total",
			Help: "Content items skipped, by platform and reason.",
		}, []string{"platform", "reason"}),
		Deferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gopost_deferred_total",
			Help: "Publish attempts deferred for retry, by platform.",
		}, []string{"platform"}),
		QuotaExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gopost_quota_exhausted_total",
			Help: "Reservation attempts rejected by the daily quota, by platform.",
		}, []string{"platform"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gopost_cycle_duration_seconds",
			Help:    "Duration of one orchestration cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
