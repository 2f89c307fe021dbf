// Package metrics exposes Prometheus counters and gauges for the
// stream pipeline and HTTP surface, mounted at /metrics. Grounded on
// the CounterVec/GaugeVec/HistogramVec + promhttp.HandlerFor pattern
// used for business metrics in the pack's monitoring integration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every metric this service exports. ActiveStreams,
// AuthFailures and HTTPLatency are updated by the control plane and the
// HTTP middleware; FramesEmitted, FramesSkipped, AntiTeleportHits and
// WSConnections are registered and exported, but no component updates
// them, so they stay at zero.
type Registry struct {
	reg *prometheus.Registry

	ActiveStreams    prometheus.Gauge
	FramesEmitted    prometheus.Counter
	FramesSkipped    *prometheus.CounterVec // label: reason (backpressure, paused)
	AntiTeleportHits prometheus.Counter
	AuthFailures     *prometheus.CounterVec // label: reason (invalid_credentials)
	HTTPLatency      *prometheus.HistogramVec
	WSConnections    prometheus.Gauge
}

// New builds and registers a fresh metrics registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetry",
			Name:      "active_streams",
			Help:      "Number of streams currently running or paused.",
		}),
		FramesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "frames_emitted_total",
			Help:      "Total number of position frames emitted to clients.",
		}),
		FramesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "frames_skipped_total",
			Help:      "Total number of ticks that did not result in an emission.",
		}, []string{"reason"}),
		AntiTeleportHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "anti_teleport_events_total",
			Help:      "Total number of anti-teleport jump rejections.",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures, by reason.",
		}, []string{"reason"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telemetry",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetry",
			Name:      "ws_connections",
			Help:      "Number of currently open websocket connections.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
