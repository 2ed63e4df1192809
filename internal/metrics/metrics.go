// Package metrics exposes Prometheus instrumentation for the coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codeshare_connections_active",
		Help: "Currently open websocket connections.",
	})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeshare_events_total",
		Help: "Inbound client events by type.",
	}, []string{"event"})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_broadcasts_total",
		Help: "Outbound room broadcasts.",
	})

	DroppedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_dropped_frames_total",
		Help: "Frames dropped because a client send buffer was full.",
	})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeshare_executions_total",
		Help: "Code executions by outcome.",
	}, []string{"status"})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
