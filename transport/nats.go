package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/base44/go-sdk/config"
	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/metrics"
	"github.com/base44/go-sdk/models"
)

const natsInboxBuffer = 1024

// NATS is a Socket backed by a NATS connection. Joining a room subscribes to
// the room's subject; every message received there is an update_model payload.
// Reconnection is handled by the NATS client itself.
type NATS struct {
	handlerSet

	log     *logger.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	cfg       Config
	nc        *nats.Conn
	subs      map[string]*nats.Subscription
	inbox     chan *nats.Msg
	connected chan struct{}
	stop      chan struct{}
	firstSeen atomic.Bool
	connects  int
}

// NewNATS creates a disconnected NATS socket.
func NewNATS(cfg Config, opts ...Option) *NATS {
	o := buildOptions(opts)
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = config.Default().SubjectPrefix
	}
	return &NATS{
		log:     o.log.WithFields(map[string]interface{}{"transport": config.TransportNATS}),
		metrics: o.metrics,
		cfg:     cfg,
	}
}

func (n *NATS) Connect() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.nc != nil {
		return nil
	}

	n.inbox = make(chan *nats.Msg, natsInboxBuffer)
	n.connected = make(chan struct{}, 1)
	n.stop = make(chan struct{})
	n.subs = make(map[string]*nats.Subscription)
	n.firstSeen.Store(false)

	connected, stop := n.connected, n.stop
	signal := func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	}

	opts := []nats.Option{
		nats.Name("base44-sdk:" + n.cfg.AppID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(n.cfg.reconnectWait()),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(*nats.Conn) {
			if n.firstSeen.CompareAndSwap(false, true) {
				signal()
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			signal()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.metrics.SetConnected(false)
			if err != nil {
				n.log.Warn().Err(err).Msg("NATS connection lost")
			}
			select {
			case <-stop:
				// Reported by Disconnect.
			default:
				n.fireDisconnect()
			}
		}),
	}
	if n.cfg.Token != "" {
		opts = append(opts, nats.Token(n.cfg.Token))
	}

	nc, err := nats.Connect(n.cfg.NatsURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n.nc = nc

	go n.loop(n.inbox, connected, stop)

	// An immediate connect may not go through ConnectHandler.
	if nc.IsConnected() && n.firstSeen.CompareAndSwap(false, true) {
		signal()
	}
	return nil
}

// loop is the single dispatch goroutine for connect signals and room messages.
func (n *NATS) loop(inbox <-chan *nats.Msg, connected <-chan struct{}, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-connected:
			n.mu.Lock()
			n.connects++
			reconnect := n.connects > 1
			n.mu.Unlock()
			n.metrics.SetConnected(true)
			if reconnect {
				n.metrics.Reconnected()
			}
			n.log.Info().Bool("reconnect", reconnect).Msg("NATS connected")
			n.fireConnect()
		case msg := <-inbox:
			n.dispatch(models.EventUpdateModel, json.RawMessage(msg.Data))
		}
	}
}

func (n *NATS) UpdateConfig(partial Config) error {
	n.mu.Lock()
	merged := n.cfg.Merge(partial)
	changed := !merged.Equal(n.cfg)
	n.cfg = merged
	running := n.nc != nil
	n.mu.Unlock()

	if !changed || !running {
		return nil
	}
	n.log.Info().Msg("Realtime config changed, reconnecting")
	n.Disconnect()
	return n.Connect()
}

// Send handles join and leave locally as subscribe and unsubscribe.
// Other events are published under <prefix>.events.<event>.
func (n *NATS) Send(event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.nc == nil {
		return ErrNotConnected
	}

	switch event {
	case models.EventJoin:
		room, ok := payload.(string)
		if !ok {
			return fmt.Errorf("join payload must be a room key, got %T", payload)
		}
		if _, exists := n.subs[room]; exists {
			return nil
		}
		subject := models.RoomSubject(n.cfg.SubjectPrefix, room)
		sub, err := n.nc.ChanSubscribe(subject, n.inbox)
		if err != nil {
			return fmt.Errorf("failed to subscribe to subject '%s': %w", subject, err)
		}
		n.subs[room] = sub
		n.log.Debug().Str("subject", subject).Msg("Subscribing to room")
		return nil

	case models.EventLeave:
		room, _ := payload.(string)
		sub, exists := n.subs[room]
		if !exists {
			return nil
		}
		delete(n.subs, room)
		return sub.Unsubscribe()

	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		return n.nc.Publish(n.cfg.SubjectPrefix+".events."+event, data)
	}
}

func (n *NATS) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc == nil {
		return StatusDisconnected
	}
	switch n.nc.Status() {
	case nats.CONNECTED:
		return StatusConnected
	case nats.CONNECTING, nats.RECONNECTING:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}

func (n *NATS) Config() Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

func (n *NATS) Disconnect() {
	n.mu.Lock()
	if n.nc == nil {
		n.mu.Unlock()
		return
	}
	close(n.stop)
	n.nc.Close()
	n.nc = nil
	n.subs = nil
	n.metrics.SetConnected(false)
	n.mu.Unlock()

	n.fireDisconnect()
}
