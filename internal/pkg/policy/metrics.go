package policy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts policy outcomes. One instance per engine, registered on
// the process registry by the caller.
type Metrics struct {
	Decisions *prometheus.CounterVec
	Cancels   prometheus.Counter
	Underflow prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sacctd",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Job policy decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		Cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sacctd",
			Subsystem: "policy",
			Name:      "forced_cancels_total",
			Help:      "Jobs cancelled because limits tightened below their request.",
		}),
		Underflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sacctd",
			Subsystem: "policy",
			Name:      "counter_underflows_total",
			Help:      "Usage counter decrements that saturated at zero.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.Cancels, m.Underflow)
	}
	return m
}

func (m *Metrics) observe(d Decision) {
	if m == nil {
		return
	}
	outcome := "allow"
	if d.Cancel {
		outcome = "cancel"
		m.Cancels.Inc()
	} else if !d.Runnable {
		outcome = "hold"
	}
	m.Decisions.WithLabelValues(outcome, d.Reason.String()).Inc()
}
