// Package entities gives access to an app's entity collections by name.
package entities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/base44/go-sdk/httpclient"
	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/metrics"
	"github.com/base44/go-sdk/models"
	"github.com/base44/go-sdk/realtime"
	"github.com/base44/go-sdk/transport"
)

var (
	ErrMissingID        = errors.New("entity id is required")
	ErrMissingName      = errors.New("entity name is required")
	ErrRealtimeDisabled = errors.New("realtime is disabled")
	// ErrReservedName is returned when subscribing to an entity whose name
	// shares its rooms with agent conversations.
	ErrReservedName = errors.New("entity name is reserved")
)

// Record is one entity instance as returned by the API.
type Record map[string]any

// ID returns the record's id field, or "".
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Options wires a Module. Socket and Registry may be nil when realtime is off.
type Options struct {
	AppID    string
	HTTP     httpclient.Requester
	Socket   transport.Socket
	Registry *realtime.Registry
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
}

// Module hands out one Handler per entity name.
type Module struct {
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	handlers map[string]*Handler
}

func New(opts Options) *Module {
	return &Module{
		opts:     opts,
		log:      logger.OrNop(opts.Logger).Component("entities"),
		handlers: make(map[string]*Handler),
	}
}

// Entity returns the handler for name, creating it on first use.
func (m *Module) Entity(name string) *Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handlers[name]; ok {
		return h
	}
	h := &Handler{name: name, module: m}
	m.handlers[name] = h
	return h
}

// Names returns the entity names handed out so far.
func (m *Module) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.handlers))
	for n := range m.handlers {
		names = append(names, n)
	}
	return names
}

// Handler performs operations on one entity collection.
type Handler struct {
	name   string
	module *Module
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) path(segments ...string) string {
	return httpclient.AppPath(h.module.opts.AppID, append([]string{"entities", h.name}, segments...)...)
}

func (h *Handler) do(ctx context.Context, method, path string, body, out any) error {
	if h.name == "" {
		return ErrMissingName
	}
	return h.module.opts.HTTP.Do(ctx, method, path, body, out)
}

func (h *Handler) List(ctx context.Context, opts httpclient.ListOptions) ([]Record, error) {
	path, err := opts.Apply(h.path())
	if err != nil {
		return nil, err
	}
	var out []Record
	if err := h.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", h.name, err)
	}
	return out, nil
}

func (h *Handler) Get(ctx context.Context, id string) (Record, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	var out Record
	if err := h.do(ctx, "GET", h.path(id), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", h.name, id, err)
	}
	return out, nil
}

func (h *Handler) Create(ctx context.Context, data Record) (Record, error) {
	var out Record
	if err := h.do(ctx, "POST", h.path(), data, &out); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", h.name, err)
	}
	return out, nil
}

func (h *Handler) Update(ctx context.Context, id string, data Record) (Record, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	var out Record
	if err := h.do(ctx, "PUT", h.path(id), data, &out); err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", h.name, id, err)
	}
	return out, nil
}

func (h *Handler) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}
	if err := h.do(ctx, "DELETE", h.path(id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", h.name, id, err)
	}
	return nil
}

// Subscribe delivers change events for one record, or for the whole
// collection when id is empty.
func (h *Handler) Subscribe(id string, onEvent func(models.EntityEvent), onError func(error)) (func(), error) {
	if h.name == "" {
		return nil, ErrMissingName
	}
	return h.subscribe(models.Room(h.module.opts.AppID, h.name, id), onEvent, onError)
}

// SubscribeQuery delivers change events for records matching query. Equal
// queries share one room.
func (h *Handler) SubscribeQuery(query map[string]any, onEvent func(models.EntityEvent), onError func(error)) (func(), error) {
	if h.name == "" {
		return nil, ErrMissingName
	}
	room, err := models.QueryRoom(h.module.opts.AppID, h.name, query)
	if err != nil {
		return nil, err
	}
	return h.subscribe(room, onEvent, onError)
}

func (h *Handler) subscribe(room string, onEvent func(models.EntityEvent), onError func(error)) (func(), error) {
	if models.ReservedScope(h.name) {
		return nil, fmt.Errorf("%w: %q", ErrReservedName, h.name)
	}
	m := h.module
	if m.opts.Registry == nil || m.opts.Socket == nil {
		return nil, ErrRealtimeDisabled
	}

	unsubscribe := m.opts.Registry.SubscribeToRoom(room, realtime.RoomHandlers{
		Update: func(ev models.UpdateEvent) {
			var event models.EntityEvent
			if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
				m.opts.Metrics.DecodeError("payload")
				decodeErr := &realtime.DecodeError{Room: ev.Room, Err: err}
				if onError != nil {
					onError(decodeErr)
					return
				}
				m.log.Warn().Err(decodeErr).Str("entity", h.name).Msg("Dropping undecodable entity event")
				return
			}
			if onEvent != nil {
				onEvent(event)
			}
		},
	})

	if err := m.opts.Socket.Connect(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to start realtime connection")
	}
	return unsubscribe, nil
}
