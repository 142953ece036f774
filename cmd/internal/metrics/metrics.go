// Package metrics exposes Prometheus collectors for the session and
// notification core. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dash"

// Metrics bundles every collector with the registry that owns them.
type Metrics struct {
	reg *prometheus.Registry

	authTransitions *prometheus.CounterVec
	authRefresh     *prometheus.CounterVec
	retries         *prometheus.CounterVec
	channelState    prometheus.Gauge
	channelMessages *prometheus.CounterVec
	statsRefresh    *prometheus.CounterVec
	wsConnections   prometheus.Gauge
}

// New registers all collectors on a fresh registry, plus Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		authTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "transitions_total",
			Help: "Auth coordinator state transitions by target state.",
		}, []string{"state"}),
		authRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "refresh_total",
			Help: "Token refresh exchanges by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "authorizer", Name: "retries_total",
			Help: "Requests retried after a 401, by result.",
		}, []string{"result"}),
		channelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channel", Name: "state",
			Help: "Notification channel state (0 disconnected, 1 connecting, 2 connected).",
		}),
		channelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "messages_total",
			Help: "Inbound channel messages by topic kind.",
		}, []string{"topic_kind"}),
		statsRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "stats_refresh_total",
			Help: "Notification stats re-fetches by result.",
		}, []string{"result"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "devserver", Name: "ws_connections",
			Help: "Open websocket connections on the development backend.",
		}),
	}
	reg.MustRegister(
		m.authTransitions, m.authRefresh, m.retries,
		m.channelState, m.channelMessages, m.statsRefresh, m.wsConnections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the owning registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) AuthTransition(state string) {
	if m != nil {
		m.authTransitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) Refresh(result string) {
	if m != nil {
		m.authRefresh.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Retry(result string) {
	if m != nil {
		m.retries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ChannelState(v int) {
	if m != nil {
		m.channelState.Set(float64(v))
	}
}

func (m *Metrics) ChannelMessage(topicKind string) {
	if m != nil {
		m.channelMessages.WithLabelValues(topicKind).Inc()
	}
}

func (m *Metrics) StatsRefresh(result string) {
	if m != nil {
		m.statsRefresh.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) WSConnections(delta int) {
	if m != nil {
		m.wsConnections.Add(float64(delta))
	}
}
