package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client core.
type Metrics struct {
	WSMessages        *prometheus.CounterVec
	WSDroppedSends    prometheus.Counter
	ReconnectAttempts prometheus.Counter
	CallEvents        *prometheus.CounterVec
	CallSetupLatency  prometheus.Histogram
	LocationSamples   *prometheus.CounterVec
	ActiveRooms       prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Signaling messages by direction and type.",
		}, []string{"direction", "type"}),
		WSDroppedSends: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_dropped_sends_total",
			Help:      "Outbound signaling events dropped because the channel was closed.",
		}),
		ReconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_reconnect_attempts_total",
			Help:      "Scheduled signaling reconnect attempts.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		CallSetupLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_setup_latency_ms",
			Help:      "Latency from initiate/accept to the active state in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000},
		}),
		LocationSamples: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_samples_total",
			Help:      "Location samples by admission outcome.",
		}, []string{"outcome"}),
		ActiveRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "location_active_rooms",
			Help:      "Rooms currently tracked by the location reporter.",
		}),
	}
}

func (m *Metrics) ObserveCallSetupLatency(d time.Duration) {
	m.CallSetupLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
