package jobctl

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the job controller collectors. A nil *Metrics records nothing.
type Metrics struct {
	stateValue   *prometheus.GaugeVec
	ticks        *prometheus.CounterVec
	errors       *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		stateValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_state_value",
				Help:      "Encoded state value of a job",
			},
			[]string{"job"},
		),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_ticks_total",
				Help:      "Number of job ticks by result",
			},
			[]string{"job", "result"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_errors_total",
				Help:      "Number of job errors by severity",
			},
			[]string{"job", "severity"},
		),
		tickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_tick_duration_seconds",
				Help:      "Duration of job ticks",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"job"},
		),
	}

	reg.MustRegister(m.stateValue, m.ticks, m.errors, m.tickDuration)
	return m
}

func (m *Metrics) setState(job string, v int) {
	if m == nil {
		return
	}
	m.stateValue.WithLabelValues(job).Set(float64(v))
}

func (m *Metrics) observeTick(job, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(job, result).Inc()
	m.tickDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) incError(job string, sev Severity) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(job, sev.String()).Inc()
}
