package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/models"
)

// Publisher forwards room updates to another fan-out system, e.g. NATS.
type Publisher interface {
	PublishUpdate(ctx context.Context, ev models.UpdateEvent) error
}

type hubMetrics struct {
	clients    prometheus.Gauge
	joins      prometheus.Counter
	broadcasts *prometheus.CounterVec
	dropped    prometheus.Counter
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &hubMetrics{
		clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "devserver_ws_clients",
			Help: "Connected websocket clients",
		}),
		joins: f.NewCounter(prometheus.CounterOpts{
			Name: "devserver_room_joins_total",
			Help: "Room joins received from clients",
		}),
		broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devserver_room_broadcasts_total",
			Help: "update_model events fanned out, by scope",
		}, []string{"scope"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "devserver_frames_dropped_total",
			Help: "Frames dropped because a client was too slow",
		}),
	}
}

// Hub tracks which websocket clients are in which room.
type Hub struct {
	log       *logger.Logger
	metrics   *hubMetrics
	publisher Publisher

	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
}

// NewHub creates a hub. publisher and reg may be nil.
func NewHub(log *logger.Logger, publisher Publisher, reg prometheus.Registerer) *Hub {
	return &Hub{
		log:       logger.OrNop(log).Component("hub"),
		metrics:   newHubMetrics(reg),
		publisher: publisher,
		rooms:     make(map[string]map[*Client]struct{}),
		clients:   make(map[*Client]struct{}),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.clients.Inc()
	}
}

// unregister removes c from the hub and every room it joined.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.clients.Dec()
	}
}

// Join adds c to room. Joining twice is harmless.
func (h *Hub) Join(c *Client, room string) error {
	key, err := models.ParseRoom(room)
	if err != nil {
		return err
	}
	if key.AppID != c.AppID {
		return fmt.Errorf("room %q belongs to another app", room)
	}

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.joins.Inc()
	}
	h.log.Debug().Str("client_id", c.ID).Str("room", room).Msg("Client joined room")
	return nil
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	h.log.Debug().Str("client_id", c.ID).Str("room", room).Msg("Client left room")
}

// Members returns the number of clients in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast sends data as an update_model event to every client in room and
// forwards it to the publisher. It returns the number of local recipients.
func (h *Hub) Broadcast(room string, data any) (int, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode update for %s: %w", room, err)
	}
	ev := models.UpdateEvent{Room: room, Data: string(encoded)}
	sent := h.Deliver(ev)

	if h.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.publisher.PublishUpdate(ctx, ev); err != nil {
			h.log.Error().Err(err).Str("room", room).Msg("Failed to publish room update")
		}
	}
	return sent, nil
}

// Deliver sends ev to the local members of its room only.
func (h *Hub) Deliver(ev models.UpdateEvent) int {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0
	}
	frame, err := json.Marshal(models.Frame{Event: models.EventUpdateModel, Data: payload})
	if err != nil {
		return 0
	}

	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.rooms[ev.Room]))
	for c := range h.rooms[ev.Room] {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range recipients {
		if c.enqueue(frame) {
			sent++
			continue
		}
		if h.metrics != nil {
			h.metrics.dropped.Inc()
		}
		h.log.Warn().Str("client_id", c.ID).Str("room", ev.Room).Msg("Client send buffer full, dropping frame")
	}
	if h.metrics != nil {
		scope := "unknown"
		if key, err := models.ParseRoom(ev.Room); err == nil {
			scope = key.Scope
		}
		h.metrics.broadcasts.WithLabelValues(scope).Inc()
	}
	return sent
}
