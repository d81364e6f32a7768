// Package metrics holds the worker's Prometheus collectors.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pressroom_jobs_finished_total",
			Help: "Jobs reaching a terminal state, labeled by outcome.",
		},
		[]string{"status"},
	)
	RenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pressroom_render_duration_seconds",
			Help:    "Wall-clock duration of render attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)
	RenderRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pressroom_render_retries_total",
			Help: "Render attempts requeued after a transient failure.",
		},
	)
	WaitTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pressroom_domain_wait_timeouts_total",
			Help: "Jobs failed for waiting on a domain lock past their bound.",
		},
	)
	ArtifactsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pressroom_artifacts_deleted_total",
			Help: "PDF artifacts removed by the cleanup sweep.",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(RenderDuration)
	prometheus.MustRegister(RenderRetries)
	prometheus.MustRegister(WaitTimeouts)
	prometheus.MustRegister(ArtifactsDeleted)
}

// Expose serves /metrics on addr. Blocks; run in its own goroutine.
func Expose(addr string) {
	slog.Info("exposing prometheus metrics", "addr", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics listener failed", "error", err)
	}
}
