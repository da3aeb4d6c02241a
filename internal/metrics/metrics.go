// Package metrics holds the Prometheus collectors shared by the hub client
// and the poll coordinator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the collectors for hub traffic and polling.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RPCCalls     *prometheus.CounterVec
	RPCDuration  *prometheus.HistogramVec
	Reconnects   prometheus.Counter
	Polls        *prometheus.CounterVec
	PollDuration prometheus.Histogram
	Sensors      prometheus.Gauge
	Connected    prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RPCCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nymea",
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Total number of JSON-RPC calls sent to the hub",
			},
			[]string{"method", "outcome"},
		),

		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nymea",
				Subsystem: "rpc",
				Name:      "duration_seconds",
				Help:      "Round-trip time of JSON-RPC calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nymea",
				Subsystem: "session",
				Name:      "reauthentications_total",
				Help:      "Number of times a stale session was torn down and re-authenticated",
			},
		),

		Polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nymea",
				Subsystem: "poll",
				Name:      "cycles_total",
				Help:      "Total number of poll cycles by result",
			},
			[]string{"result"},
		),

		PollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nymea",
				Subsystem: "poll",
				Name:      "duration_seconds",
				Help:      "Duration of poll cycles in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		Sensors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nymea",
				Subsystem: "poll",
				Name:      "sensors",
				Help:      "Number of sensors built from the last inventory",
			},
		),

		Connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nymea",
				Subsystem: "session",
				Name:      "connected",
				Help:      "Whether the hub connection is open (0=closed, 1=open)",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RPCCalls,
			m.RPCDuration,
			m.Reconnects,
			m.Polls,
			m.PollDuration,
			m.Sensors,
			m.Connected,
		)
	}

	return m
}

// ObserveCall records one RPC round trip.
func (m *Metrics) ObserveCall(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(method, outcome).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// IncReconnects counts a forced re-authentication.
func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetConnected reports the connection state.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

// ObservePoll records one poll cycle.
func (m *Metrics) ObservePoll(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(result).Inc()
	m.PollDuration.Observe(elapsed.Seconds())
}

// SetSensors reports the size of the current sensor set.
func (m *Metrics) SetSensors(n int) {
	if m == nil {
		return
	}
	m.Sensors.Set(float64(n))
}
