package observe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the observer's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	bindingsActive prometheus.Gauge
	bindingsTotal  prometheus.Counter
	notifications  *prometheus.CounterVec
}

// NewMetrics registers the observer collectors on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		bindingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "selwatch",
			Name:      "bindings_active",
			Help:      "Selector bindings currently installed",
		}),
		bindingsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "selwatch",
			Name:      "bindings_total",
			Help:      "Selector bindings installed since start",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selwatch",
			Name:      "notifications_total",
			Help:      "Animation-start notifications seen by bindings, by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) bindingStarted() {
	if m == nil {
		return
	}
	m.bindingsActive.Inc()
	m.bindingsTotal.Inc()
}

func (m *Metrics) bindingReleased() {
	if m == nil {
		return
	}
	m.bindingsActive.Dec()
}

func (m *Metrics) notification(o outcome) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(o)).Inc()
}
