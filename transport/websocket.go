package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/base44/go-sdk/config"
	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/metrics"
	"github.com/base44/go-sdk/models"
)

const outboundBuffer = 256

// WebSocket is a Socket over a websocket connection to the realtime endpoint.
// A background goroutine dials, serves and redials after ReconnectWait until
// Disconnect is called.
type WebSocket struct {
	handlerSet

	log     *logger.Logger
	metrics *metrics.Metrics
	Dialer  *websocket.Dialer

	mu       sync.Mutex
	cfg      Config
	status   Status
	gen      uint64 // bumped on every Connect; stale runs never touch state
	outbound chan []byte
	cancel   context.CancelFunc
	connects int
}

// NewWebSocket creates a disconnected websocket socket.
func NewWebSocket(cfg Config, opts ...Option) *WebSocket {
	o := buildOptions(opts)
	return &WebSocket{
		log:     o.log.WithFields(map[string]interface{}{"transport": config.TransportWebSocket}),
		metrics: o.metrics,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		cfg: cfg,
	}
}

func (w *WebSocket) Connect() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return nil
	}
	u, err := w.cfg.socketURL()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.gen++
	w.status = StatusConnecting
	go w.run(ctx, w.gen, u, w.cfg.reconnectWait())
	return nil
}

func (w *WebSocket) UpdateConfig(partial Config) error {
	w.mu.Lock()
	merged := w.cfg.Merge(partial)
	changed := !merged.Equal(w.cfg)
	w.cfg = merged
	running := w.cancel != nil
	w.mu.Unlock()

	if !changed || !running {
		return nil
	}
	w.log.Info().Msg("Realtime config changed, reconnecting")
	w.Disconnect()
	return w.Connect()
}

// Send queues a frame for the writer. Frames sent while disconnected are
// dropped; rooms are re-joined by connect handlers anyway.
func (w *WebSocket) Send(event string, payload any) error {
	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outbound == nil {
		return ErrNotConnected
	}
	select {
	case w.outbound <- data:
		return nil
	default:
		return fmt.Errorf("outbound buffer full, dropped %s frame", event)
	}
}

func (w *WebSocket) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *WebSocket) Config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Disconnect stops the background goroutine and closes the connection.
// It does not wait for in-flight handlers, so it may be called from one.
func (w *WebSocket) Disconnect() {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.cancel = nil
	w.gen++
	wasLive := w.outbound != nil
	w.outbound = nil
	w.status = StatusDisconnected
	w.metrics.SetConnected(false)
	w.mu.Unlock()

	if wasLive {
		w.fireDisconnect()
	}
}

func (w *WebSocket) setStatus(gen uint64, s Status) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen {
		return false
	}
	w.status = s
	w.metrics.SetConnected(s == StatusConnected)
	return true
}

func (w *WebSocket) run(ctx context.Context, gen uint64, u string, wait time.Duration) {
	for {
		conn, _, err := w.Dialer.DialContext(ctx, u, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Dur("retry_in", wait).Msg("Failed to connect realtime socket")
		} else {
			w.serve(ctx, gen, conn)
			if ctx.Err() != nil {
				return
			}
		}

		if !w.setStatus(gen, StatusDisconnected) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		w.setStatus(gen, StatusConnecting)
	}
}

// serve owns one live connection until it fails or ctx is cancelled.
// Connect handlers and message handlers run on this goroutine.
func (w *WebSocket) serve(ctx context.Context, gen uint64, conn *websocket.Conn) {
	out := make(chan []byte, outboundBuffer)

	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		conn.Close()
		return
	}
	w.outbound = out
	w.status = StatusConnected
	w.connects++
	reconnect := w.connects > 1
	w.mu.Unlock()

	w.metrics.SetConnected(true)
	if reconnect {
		w.metrics.Reconnected()
	}
	w.log.Info().Bool("reconnect", reconnect).Msg("Realtime socket connected")

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go w.writePump(conn, out, stop, writerDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	w.fireConnect()
	w.readPump(ctx, conn)

	close(stop)
	<-writerDone
	conn.Close()

	w.mu.Lock()
	current := gen == w.gen
	if current {
		w.outbound = nil
	}
	w.mu.Unlock()
	// Disconnect already reported a connection it tore down itself.
	if current {
		w.fireDisconnect()
	}
}

func (w *WebSocket) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(config.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.log.Warn().Err(err).Msg("Realtime socket read error")
			} else {
				w.log.Info().Err(err).Msg("Realtime socket closed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(config.PongWait))
		if ctx.Err() != nil {
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.metrics.DecodeError("envelope")
			w.log.Warn().Err(err).Msg("Dropping malformed realtime frame")
			continue
		}
		w.dispatch(frame.Event, frame.Data)
	}
}

func (w *WebSocket) writePump(conn *websocket.Conn, out <-chan []byte, stop <-chan struct{}, done chan<- struct{}) {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case data := <-out:
			conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.log.Warn().Err(err).Msg("Realtime socket write error")
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.log.Warn().Err(err).Msg("Realtime socket ping error")
				conn.Close()
				return
			}

		case <-stop:
			conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		raw = data
	}
	return json.Marshal(models.Frame{Event: event, Data: raw})
}

// socketURL turns the HTTP server URL into the websocket endpoint URL.
func (c Config) socketURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.ServerURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	path := c.Path
	if path == "" {
		path = "/ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")

	q := u.Query()
	if c.AppID != "" {
		q.Set("app_id", c.AppID)
	}
	if c.Token != "" {
		q.Set("token", c.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
