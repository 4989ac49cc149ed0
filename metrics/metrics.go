// Package metrics provides Prometheus metrics for the realtime layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RoomJoinsTotal         prometheus.Counter
	UpdatesDispatchedTotal *prometheus.CounterVec
	UpdatesDroppedTotal    prometheus.Counter
	DecodeErrorsTotal      *prometheus.CounterVec
	MessageSendsTotal      *prometheus.CounterVec
	ReconnectsTotal        prometheus.Counter
	Connected              prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RoomJoinsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sdk_room_joins_total",
			Help: "Join frames emitted on the transport",
		}),
		UpdatesDispatchedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_room_updates_dispatched_total",
			Help: "update_model events delivered to at least one listener",
		}, []string{"scope"}),
		UpdatesDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sdk_room_updates_dropped_total",
			Help: "update_model events for rooms without listeners",
		}),
		DecodeErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_decode_errors_total",
			Help: "Realtime payloads that failed to decode",
		}, []string{"stage"}),
		MessageSendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_message_sends_total",
			Help: "Conversation message sends by outcome",
		}, []string{"outcome"}),
		ReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sdk_transport_reconnects_total",
			Help: "Transitions into connected after the first connect",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "sdk_transport_connected",
			Help: "1 when the realtime transport is connected",
		}),
	}
}

func (m *Metrics) RoomJoined() {
	if m == nil {
		return
	}
	m.RoomJoinsTotal.Inc()
}

func (m *Metrics) UpdateDispatched(scope string) {
	if m == nil {
		return
	}
	m.UpdatesDispatchedTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) UpdateDropped() {
	if m == nil {
		return
	}
	m.UpdatesDroppedTotal.Inc()
}

// DecodeError counts a failure at the given stage ("envelope" or "payload").
func (m *Metrics) DecodeError(stage string) {
	if m == nil {
		return
	}
	m.DecodeErrorsTotal.WithLabelValues(stage).Inc()
}

// MessageSend counts a finished send; outcome is "confirmed" or "rolled_back".
func (m *Metrics) MessageSend(outcome string) {
	if m == nil {
		return
	}
	m.MessageSendsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
