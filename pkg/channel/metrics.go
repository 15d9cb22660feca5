package channel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes transport-level counters for Prometheus scraping.
type Metrics struct {
	FramesSent        prometheus.Counter
	FramesReceived    prometheus.Counter
	ReconnectAttempts prometheus.Counter
	QueuedPublishes   prometheus.Gauge
	Connected         prometheus.Gauge
}

// NewMetrics registers and returns the transport metrics on the given
// registerer (use prometheus.DefaultRegisterer in production, a fresh
// registry in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "confchat_frames_sent_total",
			Help: "Total protocol frames written to the transport",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "confchat_frames_received_total",
			Help: "Total protocol frames read from the transport",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "confchat_reconnect_attempts_total",
			Help: "Total reconnection attempts",
		}),
		QueuedPublishes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confchat_queued_publishes",
			Help: "Outbound frames waiting for the link to return",
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confchat_connected",
			Help: "1 when the realtime channel is connected, 0 otherwise",
		}),
	}
}
