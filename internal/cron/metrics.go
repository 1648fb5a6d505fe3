package cron

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the scheduler gauges. A nil *Metrics is valid and records nothing.
type Metrics struct {
	entries prometheus.Gauge
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		entries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_entries",
				Help:      "Number of scheduled entries",
			},
		),
	}
	reg.MustRegister(m.entries)
	return m
}

func (m *Metrics) setEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}
