package livestatus

import "log/slog"

// EventBus hands decoded messages from either transport to the registry.
// It keeps no state of its own.
type EventBus struct {
	registry *Registry
	metrics  *Metrics
}

// NewEventBus creates a bus that fans out through r.
func NewEventBus(r *Registry, m *Metrics) *EventBus {
	return &EventBus{registry: r, metrics: m}
}

// Publish delivers msg to every handler registered for (subject, msg.Kind).
func (b *EventBus) Publish(subject Subject, msg EventMessage) {
	b.metrics.deliver(msg.Transport, msg.Kind)
	n := b.registry.dispatch(subject, msg)
	if logEnabled(slog.LevelDebug) {
		sub("bus").Debug("publish", "subject", subject, "kind", msg.Kind, "transport", msg.Transport, "handlers", n)
	}
}
