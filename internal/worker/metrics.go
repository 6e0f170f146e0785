package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry      *prometheus.Registry
	relaysTotal   *prometheus.CounterVec
	relayDuration *prometheus.HistogramVec
	activeRelays  prometheus.Gauge
	sweptTotal    prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		relaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reimagine_worker_relays_total",
			Help: "Dispatch messages handled by the worker, by outcome.",
		}, []string{"outcome"}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reimagine_worker_relay_duration_seconds",
			Help:    "Time spent relaying one job to the provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reimagine_worker_active_relays",
			Help: "Current number of in-flight provider submissions.",
		}),
		sweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reimagine_worker_orphans_swept_total",
			Help: "Jobs failed because they never reached the provider.",
		}),
	}

	registry.MustRegister(
		m.relaysTotal,
		m.relayDuration,
		m.activeRelays,
		m.sweptTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
