package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	deliveries  prometheus.Counter
	dropped     *prometheus.CounterVec
	bridged     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cuesync",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuesync",
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Frames received from devices by op.",
		}, []string{"op"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cuesync",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Envelopes queued to subscriber connections.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuesync",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Envelopes dropped by reason.",
		}, []string{"reason"}),
		bridged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuesync",
			Subsystem: "relay",
			Name:      "bridged_total",
			Help:      "Envelopes crossing the NATS bridge by direction.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.frames, m.deliveries, m.dropped, m.bridged)
	}
	return m
}
