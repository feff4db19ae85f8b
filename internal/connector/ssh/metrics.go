package ssh

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sshwrap"

// Metrics counts client calls. One Metrics may be shared by many
// connections. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	tunnels    prometheus.Gauge
	masters    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Total number of client calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of client calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		tunnels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "tunnels_open",
				Help:      "Current number of open tunnel processes",
			},
		),
		masters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "control_masters_running",
				Help:      "Current number of running control master processes",
			},
		),
	}

	for _, c := range []prometheus.Collector{m.operations, m.duration, m.tunnels, m.masters} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// observe records one finished call.
func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) tunnelOpened() {
	if m != nil {
		m.tunnels.Inc()
	}
}

func (m *Metrics) tunnelClosed() {
	if m != nil {
		m.tunnels.Dec()
	}
}

func (m *Metrics) masterStarted() {
	if m != nil {
		m.masters.Inc()
	}
}

func (m *Metrics) masterStopped() {
	if m != nil {
		m.masters.Dec()
	}
}

// WithMetrics records the connection's calls in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}
