package live

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	subscribers prometheus.Gauge
	deliveries  *prometheus.CounterVec
}

// NewMetrics registers the registry's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reimagine_live_subscribers",
			Help: "Current number of live status subscribers.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reimagine_live_deliveries_total",
			Help: "Live status deliveries by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.subscribers, m.deliveries)
	return m
}

func (m *Metrics) subscribed() {
	if m != nil {
		m.subscribers.Inc()
	}
}

func (m *Metrics) unsubscribed() {
	if m != nil {
		m.subscribers.Dec()
	}
}

func (m *Metrics) delivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.deliveries.WithLabelValues("ok").Inc()
		return
	}
	m.deliveries.WithLabelValues("error").Inc()
}
