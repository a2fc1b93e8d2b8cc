// Package metrics exposes bridge counters in the Prometheus format.
//
// Metrics owns a private registry so tests can create any number of
// instances. It implements the ovms.Recorder interface:
//
//	m := metrics.New()
//	session, _ := ovms.NewSession(ovms.SessionOptions{Recorder: m, ...})
//	router.Handle("/metrics", m.Handler())
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ovms_bridge"

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec // by kind: response, version, entity, ignored
	entitiesCreated  *prometheus.CounterVec // by entity kind
	commands         *prometheus.CounterVec // by result: success, timeout, rate_limited, error
	reconnects       prometheus.Counter
	connected        prometheus.Gauge
	pendingCommands  prometheus.Gauge
	wsClients        prometheus.Gauge
}

// New creates and registers every collector, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "MQTT messages received, by routing outcome",
		}, []string{"kind"}),

		entitiesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_created_total",
			Help:      "Entities created from discovered topics, by entity kind",
		}, []string{"kind"}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands sent to the vehicle module, by result",
		}, []string{"result"}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a lost broker connection",
		}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "1 while the MQTT session is connected",
		}),

		pendingCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_commands",
			Help:      "Commands awaiting a response",
		}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket event stream clients",
		}),
	}

	m.registry.MustRegister(
		m.messagesReceived,
		m.entitiesCreated,
		m.commands,
		m.reconnects,
		m.connected,
		m.pendingCommands,
		m.wsClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MessageReceived counts one routed MQTT message.
func (m *Metrics) MessageReceived(kind string) {
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// EntityCreated counts one new entity.
func (m *Metrics) EntityCreated(kind string) {
	m.entitiesCreated.WithLabelValues(kind).Inc()
}

// CommandCompleted counts one finished command.
func (m *Metrics) CommandCompleted(result string) {
	m.commands.WithLabelValues(result).Inc()
}

// Reconnect counts one reconnect attempt.
func (m *Metrics) Reconnect() {
	m.reconnects.Inc()
}

// SetConnected records the session connection state.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// SetPendingCommands records the number of in-flight commands.
func (m *Metrics) SetPendingCommands(n int) {
	m.pendingCommands.Set(float64(n))
}

// SetWebSocketClients records the number of event stream clients.
func (m *Metrics) SetWebSocketClients(n int) {
	m.wsClients.Set(float64(n))
}
