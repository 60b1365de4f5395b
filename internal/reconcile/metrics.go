package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer.
type Metrics struct {
	events      *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
	degraded    prometheus.Gauge
	dissociated prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possync",
			Name:      "events_total",
			Help:      "Inbound stream events by kind and result.",
		}, []string{"kind", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possync",
			Name:      "version_conflicts_total",
			Help:      "Version conflicts on outbound updates, by entity and whether they resolved.",
		}, []string{"entity", "outcome"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possync",
			Name:      "duplicate_notifications_total",
			Help:      "Notifications skipped because their version was already applied.",
		}, []string{"entity"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "possync",
			Name:      "stream_degraded",
			Help:      "1 while the event stream has been down longer than the timeout.",
		}),
		dissociated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "possync",
			Name:      "checkins_dissociated_total",
			Help:      "Checkins dissociated from their tables in degraded mode.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.conflicts, m.duplicates, m.degraded, m.dissociated)
	}
	return m
}

func (m *Metrics) event(kind, result string) {
	if m != nil {
		m.events.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) conflict(entity, outcome string) {
	if m != nil {
		m.conflicts.WithLabelValues(entity, outcome).Inc()
	}
}

func (m *Metrics) duplicate(entity string) {
	if m != nil {
		m.duplicates.WithLabelValues(entity).Inc()
	}
}

func (m *Metrics) setDegraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}

func (m *Metrics) addDissociated(n int) {
	if m != nil {
		m.dissociated.Add(float64(n))
	}
}
