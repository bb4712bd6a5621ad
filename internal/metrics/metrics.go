// Package metrics exposes Prometheus collectors for the connectivity core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomlink"

// Metrics groups the collectors updated by the gate, the streaming channel and
// the room controller.
type Metrics struct {
	Refreshes        *prometheus.CounterVec
	Replays          prometheus.Counter
	AuthSurfaced     *prometheus.CounterVec
	StreamRestarts   prometheus.Counter
	StreamEvents     *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TimelineMessages prometheus.Gauge
	TypingUsers      prometheus.Gauge
	LiveUsers        prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Credential refresh calls by result.",
		}, []string{"result"}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_replays_total",
			Help:      "Operations replayed after an authentication failure.",
		}),
		AuthSurfaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_surfaced_total",
			Help:      "Authentication failures returned to callers by reason.",
		}, []string{"reason"}),
		StreamRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_restarts_total",
			Help:      "Streaming channel redials.",
		}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Frames received on the streaming channel by type.",
		}, []string{"type"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request channel round trips by operation kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		TimelineMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timeline_messages",
			Help:      "Messages in the focused room's timeline.",
		}),
		TypingUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "typing_users",
			Help:      "Users typing in the focused room.",
		}),
		LiveUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_users",
			Help:      "Users live in the focused room.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Refreshes,
			m.Replays,
			m.AuthSurfaced,
			m.StreamRestarts,
			m.StreamEvents,
			m.RequestDuration,
			m.TimelineMessages,
			m.TypingUsers,
			m.LiveUsers,
		)
	}
	return m
}

// Refresh records a refresh outcome: "ok", "rejected", "invalid" or "error".
func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
}

// Replay records one replayed operation.
func (m *Metrics) Replay() {
	if m == nil {
		return
	}
	m.Replays.Inc()
}

// Surfaced records an authentication failure returned to the caller.
func (m *Metrics) Surfaced(reason string) {
	if m == nil {
		return
	}
	m.AuthSurfaced.WithLabelValues(reason).Inc()
}

// Restart records a streaming channel redial.
func (m *Metrics) Restart() {
	if m == nil {
		return
	}
	m.StreamRestarts.Inc()
}

// StreamEvent records a received frame.
func (m *Metrics) StreamEvent(frameType string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(frameType).Inc()
}

// ObserveRequest records the duration of a request round trip in seconds.
func (m *Metrics) ObserveRequest(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(kind).Observe(seconds)
}

// RoomSizes records the focused room's state sizes.
func (m *Metrics) RoomSizes(messages, typing, live int) {
	if m == nil {
		return
	}
	m.TimelineMessages.Set(float64(messages))
	m.TypingUsers.Set(float64(typing))
	m.LiveUsers.Set(float64(live))
}
