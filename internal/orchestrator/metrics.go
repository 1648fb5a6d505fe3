package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the orchestrator collectors. A nil *Metrics records nothing.
type Metrics struct {
	combined prometheus.Gauge
	commands *prometheus.CounterVec
	windows  *prometheus.CounterVec
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		combined: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "combined_state_value",
				Help:      "State values of all jobs packed one byte per job, driver byte on top",
			},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_commands_total",
				Help:      "Remote commands by target and result",
			},
			[]string{"name", "result"},
		),
		windows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "windows_total",
				Help:      "Daily windows by outcome",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.combined, m.commands, m.windows)
	return m
}

func (m *Metrics) setCombined(v int64) {
	if m == nil {
		return
	}
	m.combined.Set(float64(v))
}

func (m *Metrics) command(name, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, result).Inc()
}

func (m *Metrics) window(result string) {
	if m == nil {
		return
	}
	m.windows.WithLabelValues(result).Inc()
}
