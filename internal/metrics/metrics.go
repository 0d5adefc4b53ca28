// Package metrics exposes Prometheus collectors for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	PagesProcessed   *prometheus.CounterVec
	AssetsDiscovered *prometheus.CounterVec
	OCROutcomes      *prometheus.CounterVec
	RenderFailures   prometheus.Counter
	RunDuration      prometheus.Histogram
	RunsInFlight     prometheus.Gauge
}

// New registers collectors on the provided registerer. Tests pass a fresh
// registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagesift_pages_processed_total",
			Help: "Pages driven to a terminal status, by outcome.",
		}, []string{"status"}),
		AssetsDiscovered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagesift_assets_discovered_total",
			Help: "Assets persisted during extraction, by type.",
		}, []string{"type"}),
		OCROutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagesift_ocr_outcomes_total",
			Help: "OCR submissions reaching a terminal asset status.",
		}, []string{"type", "outcome"}),
		RenderFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pagesift_render_failures_total",
			Help: "Pages whose render exhausted its retry budget.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pagesift_run_duration_seconds",
			Help:    "Wall time of one scheduler run.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		RunsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pagesift_runs_in_flight",
			Help: "Number of crawl runs currently executing.",
		}),
	}
}
