package im

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/backkem/imengine/pkg/datamodel"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	interactions        *prometheus.CounterVec
	pathStatus          *prometheus.CounterVec
	persistenceFailures prometheus.Counter
	subscriptions       prometheus.Gauge
	pendingInvokes      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		interactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imengine",
			Name:      "interactions_total",
			Help:      "Interaction Model messages received, by opcode.",
		}, []string{"kind"}),
		pathStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imengine",
			Name:      "path_status_total",
			Help:      "Per-path outcomes of reads, writes and invokes.",
		}, []string{"kind", "status"}),
		persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imengine",
			Name:      "persistence_failures_total",
			Help:      "Attribute writes that could not be mirrored to storage.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imengine",
			Name:      "subscriptions",
			Help:      "Active subscriptions.",
		}),
		pendingInvokes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imengine",
			Name:      "pending_invoke_responses",
			Help:      "Commands whose response was deferred and is still owed.",
		}),
	}
	for _, c := range []prometheus.Collector{m.interactions, m.pathStatus, m.persistenceFailures, m.subscriptions, m.pendingInvokes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) interaction(kind string) {
	if m != nil {
		m.interactions.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) status(kind string, err error) {
	if m != nil {
		m.pathStatus.WithLabelValues(kind, datamodel.StatusOf(err).String()).Inc()
	}
}

func (m *Metrics) persistenceFailure() {
	if m != nil {
		m.persistenceFailures.Inc()
	}
}

func (m *Metrics) setSubscriptions(n int) {
	if m != nil {
		m.subscriptions.Set(float64(n))
	}
}

func (m *Metrics) addPendingInvokes(delta int) {
	if m != nil {
		m.pendingInvokes.Add(float64(delta))
	}
}
