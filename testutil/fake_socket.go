// Package testutil provides fakes and fixtures shared by package tests.
package testutil

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/base44/go-sdk/models"
	"github.com/base44/go-sdk/transport"
)

// SentFrame is one frame recorded by FakeSocket.
type SentFrame struct {
	Event   string
	Payload any
}

// FakeSocket is an in-memory transport.Socket. Events are delivered
// synchronously on the caller's goroutine, which stands in for the
// connection's dispatch goroutine.
type FakeSocket struct {
	mu        sync.Mutex
	cfg       transport.Config
	status    transport.Status
	sent      []SentFrame
	onConnect    []func()
	onDisconnect []func()
	onMessage    map[string][]transport.MessageHandler

	Connects    int
	Disconnects int
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{onMessage: make(map[string][]transport.MessageHandler)}
}

// NewConnectedFakeSocket returns a socket that already counts as connected.
func NewConnectedFakeSocket() *FakeSocket {
	s := NewFakeSocket()
	s.status = transport.StatusConnected
	return s
}

// Connect marks the socket connected and fires connect handlers.
// Like the real sockets it does nothing while already up.
func (s *FakeSocket) Connect() error {
	s.mu.Lock()
	if s.status == transport.StatusConnected {
		s.mu.Unlock()
		return nil
	}
	s.status = transport.StatusConnected
	s.Connects++
	s.mu.Unlock()
	s.fireConnect()
	return nil
}

func (s *FakeSocket) UpdateConfig(partial transport.Config) error {
	s.mu.Lock()
	s.cfg = s.cfg.Merge(partial)
	wasUp := s.status == transport.StatusConnected
	s.mu.Unlock()
	if wasUp {
		s.Drop()
		return s.Connect()
	}
	return nil
}

// Send records the frame. Frames sent while disconnected are dropped and
// reported as transport.ErrNotConnected.
func (s *FakeSocket) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	s.sent = append(s.sent, SentFrame{Event: event, Payload: payload})
	return nil
}

func (s *FakeSocket) OnConnect(h func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, h)
}

func (s *FakeSocket) OnDisconnect(h func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, h)
}

func (s *FakeSocket) OnMessage(event string, h transport.MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage[event] = append(s.onMessage[event], h)
}

func (s *FakeSocket) Status() transport.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *FakeSocket) Config() transport.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *FakeSocket) Disconnect() {
	s.mu.Lock()
	wasUp := s.status != transport.StatusDisconnected
	if wasUp {
		s.Disconnects++
	}
	s.status = transport.StatusDisconnected
	s.mu.Unlock()
	if wasUp {
		s.fireDisconnect()
	}
}

// Drop simulates a lost connection.
func (s *FakeSocket) Drop() {
	s.mu.Lock()
	wasUp := s.status != transport.StatusDisconnected
	s.status = transport.StatusDisconnected
	s.mu.Unlock()
	if wasUp {
		s.fireDisconnect()
	}
}

// Reconnect simulates the transport coming back after Drop.
func (s *FakeSocket) Reconnect() {
	s.mu.Lock()
	s.status = transport.StatusConnected
	s.mu.Unlock()
	s.fireConnect()
}

// Open marks the socket connected without running connect handlers, like a
// transport that accepts frames before its connect handlers got to run.
// The returned function runs them.
func (s *FakeSocket) Open() func() {
	s.mu.Lock()
	s.status = transport.StatusConnected
	s.Connects++
	s.mu.Unlock()
	return s.fireConnect
}

// Deliver dispatches an inbound event to the registered handlers.
func (s *FakeSocket) Deliver(event string, payload json.RawMessage) {
	s.mu.Lock()
	handlers := slices.Clone(s.onMessage[event])
	s.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

// DeliverUpdate wraps data into an update_model event for room.
func (s *FakeSocket) DeliverUpdate(room string, data any) {
	var str string
	switch v := data.(type) {
	case string:
		str = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		str = string(raw)
	}
	payload, err := json.Marshal(models.UpdateEvent{Room: room, Data: str})
	if err != nil {
		panic(err)
	}
	s.Deliver(models.EventUpdateModel, payload)
}

// Sent returns a copy of all recorded frames.
func (s *FakeSocket) Sent() []SentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

// SentEvents returns the payloads of recorded frames with the given event name.
func (s *FakeSocket) SentEvents(event string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, f := range s.sent {
		if f.Event == event {
			out = append(out, f.Payload)
		}
	}
	return out
}

// Reset forgets recorded frames.
func (s *FakeSocket) Reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

func (s *FakeSocket) fireDisconnect() {
	s.mu.Lock()
	handlers := slices.Clone(s.onDisconnect)
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (s *FakeSocket) fireConnect() {
	s.mu.Lock()
	handlers := slices.Clone(s.onConnect)
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

var _ transport.Socket = (*FakeSocket)(nil)
