// Package transport owns the single realtime connection of a client.
//
// Two implementations exist: WebSocket talks to the platform's realtime
// endpoint, NATS maps rooms onto subjects of a NATS server. Both deliver
// every event of one connection on one goroutine, and both raise the same
// connect signal on first connect and on every reconnect.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/base44/go-sdk/config"
	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/metrics"
)

// ErrNotConnected is returned by Send when no connection is up. The frame is dropped.
var ErrNotConnected = errors.New("transport: not connected")

// Status is the connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MessageHandler receives the raw data of one inbound event.
type MessageHandler func(payload json.RawMessage)

// Socket is a persistent realtime connection.
type Socket interface {
	// Connect opens the connection in the background. It is a no-op while
	// a connection is already running.
	Connect() error
	// UpdateConfig merges the non-zero fields of partial into the current
	// config and, if anything changed on a running socket, reconnects.
	UpdateConfig(partial Config) error
	// Send emits an event without waiting for any acknowledgement.
	Send(event string, payload any) error
	OnConnect(h func())
	// OnDisconnect handlers run when a live connection ends, before the
	// next connect handlers.
	OnDisconnect(h func())
	OnMessage(event string, h MessageHandler)
	Status() Status
	Config() Config
	// Disconnect closes the connection. Safe to call more than once.
	Disconnect()
}

// Config identifies one realtime connection.
type Config struct {
	ServerURL     string
	Path          string
	AppID         string
	Token         string
	Transports    []string
	ReconnectWait time.Duration

	NatsURL       string
	SubjectPrefix string
}

// FromConfig extracts the transport settings of a client config.
func FromConfig(c config.Config) Config {
	return Config{
		ServerURL:     c.ServerURL,
		Path:          c.RealtimePath,
		AppID:         c.AppID,
		Token:         c.Token,
		Transports:    c.Transports,
		ReconnectWait: c.ReconnectWait,
		NatsURL:       c.NatsURL,
		SubjectPrefix: c.SubjectPrefix,
	}
}

// Merge returns c with every non-zero field of p applied.
func (c Config) Merge(p Config) Config {
	if p.ServerURL != "" {
		c.ServerURL = p.ServerURL
	}
	if p.Path != "" {
		c.Path = p.Path
	}
	if p.AppID != "" {
		c.AppID = p.AppID
	}
	if p.Token != "" {
		c.Token = p.Token
	}
	if len(p.Transports) > 0 {
		c.Transports = slices.Clone(p.Transports)
	}
	if p.ReconnectWait > 0 {
		c.ReconnectWait = p.ReconnectWait
	}
	if p.NatsURL != "" {
		c.NatsURL = p.NatsURL
	}
	if p.SubjectPrefix != "" {
		c.SubjectPrefix = p.SubjectPrefix
	}
	return c
}

// Equal reports whether both configs describe the same connection.
func (c Config) Equal(o Config) bool {
	return c.ServerURL == o.ServerURL &&
		c.Path == o.Path &&
		c.AppID == o.AppID &&
		c.Token == o.Token &&
		slices.Equal(c.Transports, o.Transports) &&
		c.ReconnectWait == o.ReconnectWait &&
		c.NatsURL == o.NatsURL &&
		c.SubjectPrefix == o.SubjectPrefix
}

func (c Config) reconnectWait() time.Duration {
	if c.ReconnectWait <= 0 {
		return time.Second
	}
	return c.ReconnectWait
}

type options struct {
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Option configures a socket.
type Option func(*options)

func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.log = logger.OrNop(o.log).Component("transport")
	return o
}

// New returns a socket for the first supported entry of cfg.Transports.
// An empty list means websocket.
func New(cfg Config, opts ...Option) (Socket, error) {
	if len(cfg.Transports) == 0 {
		return NewWebSocket(cfg, opts...), nil
	}
	for _, name := range cfg.Transports {
		switch name {
		case config.TransportWebSocket:
			return NewWebSocket(cfg, opts...), nil
		case config.TransportNATS:
			return NewNATS(cfg, opts...), nil
		}
	}
	return nil, fmt.Errorf("no supported transport in %v", cfg.Transports)
}

// handlerSet stores connect and message handlers. Handlers survive reconnects.
type handlerSet struct {
	mu           sync.RWMutex
	onConnect    []func()
	onDisconnect []func()
	onMessage    map[string][]MessageHandler
}

func (h *handlerSet) OnConnect(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, fn)
}

func (h *handlerSet) OnDisconnect(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

func (h *handlerSet) OnMessage(event string, fn MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.onMessage == nil {
		h.onMessage = make(map[string][]MessageHandler)
	}
	h.onMessage[event] = append(h.onMessage[event], fn)
}

func (h *handlerSet) fireConnect() {
	h.mu.RLock()
	handlers := slices.Clone(h.onConnect)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}

func (h *handlerSet) fireDisconnect() {
	h.mu.RLock()
	handlers := slices.Clone(h.onDisconnect)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}

func (h *handlerSet) dispatch(event string, payload json.RawMessage) int {
	h.mu.RLock()
	handlers := slices.Clone(h.onMessage[event])
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(payload)
	}
	return len(handlers)
}
