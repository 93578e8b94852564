package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRegistry exposes the control plane's operational counters on a
// dedicated /metrics endpoint, distinct from the OTEL metrics pushed/exported
// via ClueMetrics: this is a pull-based, Prometheus-native surface operators
// scrape directly.
type PrometheusRegistry struct {
	Invocations    *prometheus.CounterVec
	ChannelEvents  *prometheus.CounterVec
	WatcherReloads *prometheus.CounterVec
	Sessions       prometheus.Gauge
	registry       *prometheus.Registry
}

// NewPrometheusRegistry constructs and registers the control plane's
// Prometheus collectors against a private registry (not the global default,
// so tests can construct more than one without collisions).
func NewPrometheusRegistry() *PrometheusRegistry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusRegistry{
		registry: reg,
		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "photonctl_invocations_total",
			Help: "Total photon/federated method invocations by outcome.",
		}, []string{"photon", "method", "outcome"}),
		ChannelEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "photonctl_channel_events_total",
			Help: "Total events published to subscription channels.",
		}, []string{"photon"}),
		WatcherReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "photonctl_watcher_reloads_total",
			Help: "Total hot-reloads triggered by the filesystem watcher.",
		}, []string{"photon", "outcome"}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "photonctl_sessions_active",
			Help: "Number of sessions currently initialized.",
		}),
	}
}

// Handler returns the http.Handler to mount at /metrics.
func (p *PrometheusRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
