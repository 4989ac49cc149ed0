// Package realtime holds the room registry and the conversation cache that
// sit between the transport and the public SDK modules.
package realtime

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/metrics"
	"github.com/base44/go-sdk/models"
	"github.com/base44/go-sdk/transport"
)

// RoomHandlers is one listener's callbacks for a room.
type RoomHandlers struct {
	Update func(ev models.UpdateEvent)
}

// RegistryOptions tunes a Registry.
type RegistryOptions struct {
	// LeaveOnEmpty emits leave and forgets the room once its last listener
	// unsubscribes. By default rooms stay joined for the registry's lifetime,
	// which avoids join/leave races on rapid re-subscribe.
	LeaveOnEmpty bool
	Logger       *logger.Logger
	Metrics      *metrics.Metrics
}

type listener struct {
	handlers RoomHandlers
}

// Registry deduplicates room interest on one socket and fans out
// update_model events to every listener of a room.
type Registry struct {
	socket       transport.Socket
	log          *logger.Logger
	metrics      *metrics.Metrics
	leaveOnEmpty bool

	// mu also orders joins on the wire: a room is joined either by
	// SubscribeToRoom on a live connection or by the connect replay, never both.
	mu    sync.Mutex
	rooms map[string][]*listener
	order []string // join order, used for replay
	live  bool     // the current connection has been through handleConnect
}

// NewRegistry wires a registry onto socket. The socket's connect signal
// replays joins; its update_model events are fanned out.
func NewRegistry(socket transport.Socket, opts RegistryOptions) *Registry {
	r := &Registry{
		socket:       socket,
		log:          logger.OrNop(opts.Logger).Component("rooms"),
		metrics:      opts.Metrics,
		leaveOnEmpty: opts.LeaveOnEmpty,
		rooms:        make(map[string][]*listener),
		live:         socket.Status() == transport.StatusConnected,
	}
	socket.OnConnect(r.handleConnect)
	socket.OnDisconnect(r.handleDisconnect)
	socket.OnMessage(models.EventUpdateModel, r.handleUpdate)
	return r
}

// SubscribeToRoom registers handlers for room, joining it on the socket if
// this is the first listener. The returned function removes exactly this
// listener and is safe to call more than once.
func (r *Registry) SubscribeToRoom(room string, handlers RoomHandlers) func() {
	l := &listener{handlers: handlers}

	r.mu.Lock()
	_, tracked := r.rooms[room]
	if !tracked {
		r.order = append(r.order, room)
	}
	r.rooms[room] = append(r.rooms[room], l)
	if !tracked {
		if r.live {
			r.join(room)
		} else {
			r.log.Debug().Str("room", room).Msg("Join deferred until connected")
		}
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(room, l) })
	}
}

func (r *Registry) remove(room string, l *listener) {
	r.mu.Lock()
	listeners := r.rooms[room]
	idx := slices.Index(listeners, l)
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	listeners = slices.Delete(slices.Clone(listeners), idx, idx+1)
	r.rooms[room] = listeners

	leave := r.leaveOnEmpty && len(listeners) == 0
	if leave {
		delete(r.rooms, room)
		r.order = slices.DeleteFunc(r.order, func(k string) bool { return k == room })
	}
	r.mu.Unlock()

	if leave {
		if err := r.socket.Send(models.EventLeave, room); err != nil {
			r.log.Debug().Err(err).Str("room", room).Msg("Leave not sent")
		}
	}
}

// Rooms returns the tracked room keys in join order.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Listeners returns the number of listeners registered for room.
func (r *Registry) Listeners(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// join must be called with r.mu held.
func (r *Registry) join(room string) {
	if err := r.socket.Send(models.EventJoin, room); err != nil {
		// Lost the connection in between; the next connect joins it.
		r.log.Debug().Err(err).Str("room", room).Msg("Join deferred until connected")
		return
	}
	r.metrics.RoomJoined()
	r.log.Debug().Str("room", room).Msg("Joined room")
}

func (r *Registry) handleConnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = true
	r.log.Info().Int("rooms", len(r.order)).Msg("Re-joining rooms after connect")
	for _, room := range r.order {
		r.join(room)
	}
}

func (r *Registry) handleDisconnect() {
	r.mu.Lock()
	r.live = false
	r.mu.Unlock()
}

// handleUpdate runs on the socket's dispatch goroutine. Listeners are
// snapshotted first so they may unsubscribe from inside a callback.
func (r *Registry) handleUpdate(payload json.RawMessage) {
	var ev models.UpdateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.metrics.DecodeError("envelope")
		r.log.Warn().Err(err).Msg("Dropping malformed update_model payload")
		return
	}

	r.mu.Lock()
	listeners := slices.Clone(r.rooms[ev.Room])
	r.mu.Unlock()

	if len(listeners) == 0 {
		r.metrics.UpdateDropped()
		return
	}
	r.metrics.UpdateDispatched(scopeOf(ev.Room))
	for _, l := range listeners {
		if l.handlers.Update != nil {
			l.handlers.Update(ev)
		}
	}
}

func scopeOf(room string) string {
	key, err := models.ParseRoom(room)
	if err != nil {
		return "unknown"
	}
	return key.Scope
}

// DecodeError reports a realtime payload that could not be decoded.
type DecodeError struct {
	Room string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error [%s]: %v", e.Room, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
