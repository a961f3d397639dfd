// Package metrics provides Prometheus instrumentation for the MQTT connector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the connector's collectors on a private registry, so several
// instances can coexist in one process or test binary. All methods are safe
// to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionState     *prometheus.GaugeVec
	ConnectAttempts  *prometheus.CounterVec
	ConnectionLosses *prometheus.CounterVec

	// Engine metrics
	MessagesReceived  *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	PublishErrors     *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec
}

// New creates the collectors under namespace, registering Go runtime and
// process collectors alongside them.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mqtt_connector"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "Current client session state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
			},
			[]string{"client_id"},
		),
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Total number of broker connection attempts",
			},
			[]string{"client_id", "result"},
		),
		ConnectionLosses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_losses_total",
				Help:      "Total number of established connections lost",
			},
			[]string{"client_id"},
		),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of messages received from subscriptions",
			},
			[]string{"client_id"},
		),
		DecodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of received messages that could not be converted to records",
			},
			[]string{"client_id"},
		),
		MessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Total number of messages published",
			},
			[]string{"client_id", "qos"},
		),
		PublishErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_errors_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"client_id", "error_type"},
		),
		PublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Time from publish call to broker acknowledgement",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"client_id"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "source_queue_depth",
				Help:      "Number of received messages waiting in the source buffer",
			},
			[]string{"client_id"},
		),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetSessionState records the numeric session state for clientID.
func (m *Metrics) SetSessionState(clientID string, state int) {
	if m == nil {
		return
	}
	m.SessionState.WithLabelValues(clientID).Set(float64(state))
}

// ConnectAttempt counts one connection attempt with result "success",
// "network", "security" or "error".
func (m *Metrics) ConnectAttempt(clientID, result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(clientID, result).Inc()
}

func (m *Metrics) ConnectionLost(clientID string) {
	if m == nil {
		return
	}
	m.ConnectionLosses.WithLabelValues(clientID).Inc()
}

func (m *Metrics) MessageReceived(clientID string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(clientID).Inc()
}

func (m *Metrics) DecodeError(clientID string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(clientID).Inc()
}

// Published records a successful publish and its latency.
func (m *Metrics) Published(clientID string, qos byte, seconds float64) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(clientID, qosLabel(qos)).Inc()
	m.PublishDuration.WithLabelValues(clientID).Observe(seconds)
}

func (m *Metrics) PublishFailed(clientID, errorType string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(clientID, errorType).Inc()
}

func (m *Metrics) SetQueueDepth(clientID string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(clientID).Set(float64(depth))
}

func qosLabel(qos byte) string {
	switch qos {
	case 0:
		return "0"
	case 1:
		return "1"
	default:
		return "2"
	}
}
