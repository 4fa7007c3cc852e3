package roomsync

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for collecting replication metrics
type MetricsCollector interface {
	RecordEventApplied(eventType string, origin string)
	RecordSnapshot(source string, adopted bool)
	RecordSyncCycle(role string, duration time.Duration)
	RecordError(op string)
	RecordHandshake(success bool, attempts int)
	RecordDropped(reason string)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordEventApplied(eventType string, origin string)  {}
func (n *NoOpMetricsCollector) RecordSnapshot(source string, adopted bool)          {}
func (n *NoOpMetricsCollector) RecordSyncCycle(role string, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordError(op string)                               {}
func (n *NoOpMetricsCollector) RecordHandshake(success bool, attempts int)          {}
func (n *NoOpMetricsCollector) RecordDropped(reason string)                         {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	eventsApplied *prometheus.CounterVec
	snapshots     *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	handshakes    *prometheus.CounterVec
	dropped       *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuesync",
			Name:      "events_applied_total",
			Help:      "Room events applied to local state.",
		}, []string{"type", "origin"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuesync",
			Name:      "snapshots_total",
			Help:      "Remote snapshots considered for adoption.",
		}, []string{"source", "result"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cuesync",
			Name:      "sync_cycle_seconds",
			Help:      "Time spent in a sync cycle on the session loop.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"role"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuesync",
			Name:      "errors_total",
			Help:      "Non-fatal transport and store errors.",
		}, []string{"op"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuesync",
			Name:      "handshakes_total",
			Help:      "Join handshakes by outcome and attempts used.",
		}, []string{"result", "attempts"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuesync",
			Name:      "dropped_total",
			Help:      "Inbound work dropped by a session.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsApplied, m.snapshots, m.syncDuration, m.errors, m.handshakes, m.dropped)
	}
	return m
}

func (m *PrometheusMetrics) RecordEventApplied(eventType string, origin string) {
	m.eventsApplied.WithLabelValues(eventType, origin).Inc()
}

func (m *PrometheusMetrics) RecordSnapshot(source string, adopted bool) {
	result := "ignored"
	if adopted {
		result = "adopted"
	}
	m.snapshots.WithLabelValues(source, result).Inc()
}

func (m *PrometheusMetrics) RecordSyncCycle(role string, duration time.Duration) {
	m.syncDuration.WithLabelValues(role).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordError(op string) {
	m.errors.WithLabelValues(op).Inc()
}

func (m *PrometheusMetrics) RecordHandshake(success bool, attempts int) {
	result := "failure"
	if success {
		result = "success"
	}
	m.handshakes.WithLabelValues(result, strconv.Itoa(attempts)).Inc()
}

func (m *PrometheusMetrics) RecordDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}
