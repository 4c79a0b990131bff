package signalr

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the prometheus collectors of a HubConnection. A nil *metrics records nothing.
type metrics struct {
	invocations *prometheus.CounterVec
	received    *prometheus.CounterVec
	state       prometheus.Gauge
	reconnects  prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signalr",
				Subsystem: "client",
				Name:      "invocations_total",
				Help:      "Total number of invocations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signalr",
				Subsystem: "client",
				Name:      "messages_received_total",
				Help:      "Total number of hub messages received by message type",
			},
			[]string{"type"},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "signalr",
				Subsystem: "client",
				Name:      "connection_state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=disconnecting)",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "signalr",
				Subsystem: "client",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnect attempts",
			},
		),
	}
	var err error
	if m.invocations, err = register(registerer, m.invocations); err != nil {
		return nil, err
	}
	if m.received, err = register(registerer, m.received); err != nil {
		return nil, err
	}
	if m.state, err = register(registerer, m.state); err != nil {
		return nil, err
	}
	if m.reconnects, err = register(registerer, m.reconnects); err != nil {
		return nil, err
	}
	return m, nil
}

// register returns the already registered collector when another HubConnection registered it before.
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) invocation(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.invocations.WithLabelValues(kind, outcome).Inc()
}

func (m *metrics) messageReceived(typeName string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(typeName).Inc()
}

func (m *metrics) setState(state ConnectionState) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}

func (m *metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
