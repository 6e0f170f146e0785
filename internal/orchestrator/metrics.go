package orchestrator

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	submissions     *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reimagine_jobs_submitted_total",
			Help: "Job submissions by outcome.",
		}, []string{"outcome"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reimagine_jobs_reconciled_total",
			Help: "Status reconciliations by source and outcome.",
		}, []string{"source", "outcome"}),
	}
	reg.MustRegister(m.submissions, m.reconciliations)
	return m
}

func (m *Metrics) submitted(outcome string) {
	if m != nil {
		m.submissions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) reconciled(source, outcome string) {
	if m != nil {
		m.reconciliations.WithLabelValues(source, outcome).Inc()
	}
}
