package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's instrumentation on its own registry so tests
// can run many servers in one process without duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	FramesRead          prometheus.Counter
	DecodeFailures      prometheus.Counter
	MessagesProduced    prometheus.Counter
	MessagesConsumed    prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lucidmq",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted by the TCP server.",
		}),
		FramesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lucidmq",
			Name:      "frames_read_total",
			Help:      "Request frames read off connections.",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lucidmq",
			Name:      "decode_failures_total",
			Help:      "Frames that failed envelope decoding.",
		}),
		MessagesProduced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lucidmq",
			Name:      "messages_produced_total",
			Help:      "Messages appended across all topics.",
		}),
		MessagesConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lucidmq",
			Name:      "messages_consumed_total",
			Help:      "Messages returned to consumers across all topics.",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
