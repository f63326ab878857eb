package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeReturn             = "return"
	outcomeException          = "exception"
	outcomeIllegalParamLength = "illegal_param_length"
)

type serverMetrics struct {
	connections prometheus.Gauge
	requests    *prometheus.CounterVec
	unrouted    prometheus.Counter
}

func newServerMetrics() *serverMetrics {
	return &serverMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duplex",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Number of live client connections.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duplex",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests dispatched to a handler, by route and outcome.",
		}, []string{"route", "outcome"}),
		unrouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duplex",
			Subsystem: "server",
			Name:      "unrouted_total",
			Help:      "Inbound messages delivered to listeners because no handler matched.",
		}),
	}
}

func (m *serverMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.connections, m.requests, m.unrouted} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *serverMetrics) observe(route string, reply *Envelope) {
	outcome := outcomeReturn
	switch reply.Kind() {
	case KindException:
		outcome = outcomeException
	case KindIllegalParamLength:
		outcome = outcomeIllegalParamLength
	}
	m.requests.WithLabelValues(route, outcome).Inc()
}
