// Package metrics holds the Prometheus collectors of a hub server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "minihub"

// Metrics is safe for concurrent use. A nil *Metrics records nothing, so
// components can take one unconditionally.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	connections prometheus.Gauge
	pushes      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Hub method invocations handled, by target and outcome.",
		}, []string{"target", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Time spent handling hub method invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently connected clients.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Invocations pushed to clients, by target.",
		}, []string{"target"}),
	}

	for _, c := range []prometheus.Collector{m.invocations, m.duration, m.connections, m.pushes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveInvocation(target string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.invocations.WithLabelValues(target, outcome).Inc()
	m.duration.WithLabelValues(target).Observe(d.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// ObservePush counts one push of target delivered to n connections.
func (m *Metrics) ObservePush(target string, n int) {
	if m != nil && n > 0 {
		m.pushes.WithLabelValues(target).Add(float64(n))
	}
}
