package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// HubMetrics contains Prometheus metrics for the event fanout hub.
type HubMetrics struct {
	ConnectedClients   prometheus.Gauge
	Broadcasts         prometheus.Counter
	DroppedSubscribers prometheus.Counter
	Heartbeats         prometheus.Counter
}

// NewHubMetrics creates a new instance of HubMetrics and registers the
// collectors with the provided registry.
func NewHubMetrics(registry *prometheus.Registry) (*HubMetrics, error) {
	m := &HubMetrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_connected_clients",
			Help: "Number of currently connected event stream subscribers",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Total number of events broadcast to subscribers",
		}),
		DroppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_dropped_subscribers_total",
			Help: "Total number of subscribers dropped for not accepting writes promptly",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_heartbeats_total",
			Help: "Total number of heartbeat events broadcast",
		}),
	}

	collectors := []prometheus.Collector{
		m.ConnectedClients, m.Broadcasts, m.DroppedSubscribers, m.Heartbeats,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register hub metrics: %w", err)
		}
	}
	return m, nil
}
