// Package metrics exposes the agent's internal Prometheus metrics. They
// are served on a loopback listener when enabled in config.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmsagent_commands_total",
		Help: "Total commands processed, by outcome (success, failed, rejected).",
	}, []string{"outcome"})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cmsagent_command_duration_seconds",
		Help:    "Duration of command subprocess execution.",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cmsagent_command_queue_depth",
		Help: "Commands currently waiting in the executor queue.",
	})
	PushReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmsagent_push_reconnects_total",
		Help: "Push-channel transport reconnection attempts.",
	})
	StatusUpdatesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmsagent_status_updates_sent_total",
		Help: "agent:status_update events emitted to the server.",
	})
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmsagent_updates_total",
		Help: "Self-update attempts, by outcome.",
	}, []string{"outcome"})
	ErrorReportsSpooled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmsagent_error_reports_spooled_total",
		Help: "Error reports written to the local spool after upload failure.",
	})
)

// Handler returns an http.Handler serving /metrics and /healthz, for the
// optional loopback listener.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
