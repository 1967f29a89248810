package livestatus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the delivery client's prometheus collectors. A nil *Metrics
// records nothing, so every method is safe to call on it.
type Metrics struct {
	transitions   *prometheus.CounterVec
	reconnects    prometheus.Counter
	fallbacks     prometheus.Counter
	delivered     *prometheus.CounterVec
	malformed     prometheus.Counter
	handlerPanics prometheus.Counter
	fetchFailures prometheus.Counter
	attachedGauge prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livestatus",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target phase",
		}, []string{"phase"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livestatus",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled push reconnect attempts",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livestatus",
			Name:      "poll_fallbacks_total",
			Help:      "Subjects that exhausted reconnect attempts and fell back to polling",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livestatus",
			Name:      "messages_delivered_total",
			Help:      "Messages published to the bus by transport and kind",
		}, []string{"transport", "kind"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livestatus",
			Name:      "malformed_frames_total",
			Help:      "Push frames dropped because they could not be decoded",
		}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livestatus",
			Name:      "handler_panics_total",
			Help:      "Subscriber callbacks that panicked during dispatch",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livestatus",
			Name:      "poll_fetch_failures_total",
			Help:      "Poll ticks skipped because the state fetch failed",
		}),
		attachedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livestatus",
			Name:      "attached_subjects",
			Help:      "Subjects with at least one subscriber",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.transitions, m.reconnects, m.fallbacks, m.delivered,
			m.malformed, m.handlerPanics, m.fetchFailures, m.attachedGauge,
		)
	}
	return m
}

func (m *Metrics) transition(p ConnPhase) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(p.String()).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) deliver(t Transport, k EventKind) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(string(t), k.String()).Inc()
}

func (m *Metrics) malformedFrame() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) handlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

func (m *Metrics) fetchFailure() {
	if m == nil {
		return
	}
	m.fetchFailures.Inc()
}

func (m *Metrics) attached(delta float64) {
	if m == nil {
		return
	}
	m.attachedGauge.Add(delta)
}
