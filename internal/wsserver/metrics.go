package wsserver

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the channel collectors. A nil *Metrics records nothing.
type Metrics struct {
	clients    prometheus.Gauge
	messages   *prometheus.CounterVec
	handshakes *prometheus.CounterVec
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		clients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_clients",
				Help:      "Number of authorized channel clients",
			},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Channel messages by direction and result",
			},
			[]string{"direction", "result"},
		),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_handshakes_total",
				Help:      "Channel handshakes by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.clients, m.messages, m.handshakes)
	return m
}

func (m *Metrics) setClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

func (m *Metrics) message(direction, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}
