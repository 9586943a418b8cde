// Package telemetry is the side channel for client health signals. Transport
// failures and reconciliation activity are counted here instead of being
// surfaced as fatal errors (the session must stay usable after any of them).
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ripple"

// Metrics bundles the client-side counters. A nil *Metrics is valid and makes
// every increment a no-op, so wiring telemetry stays optional.
type Metrics struct {
	registry *prometheus.Registry

	channelOpens    prometheus.Counter
	transportErrors prometheus.Counter
	messagesSent    prometheus.Counter
	messagesRecv    prometheus.Counter
	seenUpdates     prometheus.Counter
	reconciled      prometheus.Counter
	staleDrops      prometheus.Counter
}

// New constructs Metrics backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		channelOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "opens_total",
			Help: "Successful realtime channel handshakes.",
		}),
		transportErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "transport_errors_total",
			Help: "Transport-level failures (dial, read, write, heartbeat).",
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "messages_sent_total",
			Help: "Outbound send_message events.",
		}),
		messagesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "messages_received_total",
			Help: "Inbound receive_message events.",
		}),
		seenUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "seen_updates_total",
			Help: "Inbound message_seen_update events.",
		}),
		reconciled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "messages_reconciled_total",
			Help: "Optimistic entries collapsed with their server confirmation.",
		}),
		staleDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "stale_history_drops_total",
			Help: "History responses discarded because the fetch was superseded.",
		}),
	}
}

// Handler exposes the registry for an optional /metrics listener.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncChannelOpens() {
	if m != nil {
		m.channelOpens.Inc()
	}
}

func (m *Metrics) IncTransportErrors() {
	if m != nil {
		m.transportErrors.Inc()
	}
}

func (m *Metrics) IncMessagesSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) IncMessagesReceived() {
	if m != nil {
		m.messagesRecv.Inc()
	}
}

func (m *Metrics) IncSeenUpdates() {
	if m != nil {
		m.seenUpdates.Inc()
	}
}

func (m *Metrics) IncReconciled() {
	if m != nil {
		m.reconciled.Inc()
	}
}

func (m *Metrics) IncStaleHistoryDrops() {
	if m != nil {
		m.staleDrops.Inc()
	}
}
