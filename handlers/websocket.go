package handlers

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/base44/go-sdk/config"
	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/models"
)

const sendBuffer = 256

// Client is one realtime connection to the devserver.
type Client struct {
	ID       string
	AppID    string
	Conn     *websocket.Conn
	Send     chan []byte   // Frames waiting for the writer
	DoneChan chan struct{} // Closed when the reader stops

	hub       *Hub
	log       *logger.Logger
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, hub *Hub, appID string) *Client {
	id := uuid.NewString()
	return &Client{
		ID:       id,
		AppID:    appID,
		Conn:     conn,
		Send:     make(chan []byte, sendBuffer),
		DoneChan: make(chan struct{}),
		hub:      hub,
		log:      hub.log.WithFields(map[string]interface{}{"client_id": id, "app_id": appID}),
	}
}

// enqueue hands a frame to the writer without blocking.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.DoneChan:
		return false
	default:
	}
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// HandleRead reads join and leave frames until the connection closes.
func (c *Client) HandleRead() {
	defer func() {
		c.log.Debug().Msg("Reader closed")
		c.closeOnce.Do(func() { close(c.DoneChan) })
	}()
	c.Conn.SetReadLimit(config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket read error")
			} else {
				c.log.Debug().Err(err).Msg("WebSocket closed")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("Ignoring malformed frame")
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame models.Frame) {
	switch frame.Event {
	case models.EventJoin, models.EventLeave:
		var room string
		if err := json.Unmarshal(frame.Data, &room); err != nil || room == "" {
			c.log.Warn().Str("event", frame.Event).Msg("Ignoring frame without room")
			return
		}
		if frame.Event == models.EventLeave {
			c.hub.Leave(c, room)
			return
		}
		if err := c.hub.Join(c, room); err != nil {
			c.log.Warn().Err(err).Str("room", room).Msg("Join rejected")
		}
	default:
		c.log.Debug().Str("event", frame.Event).Msg("Ignoring unknown event")
	}
}

// HandleWrite drains Send into the connection and keeps it alive with pings.
func (c *Client) HandleWrite() {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.log.Debug().Msg("Writer closed")
	}()

	for {
		select {
		case frame := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn().Err(err).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn().Err(err).Msg("WebSocket ping error")
				return
			}

		case <-c.DoneChan:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// HandleWebSocket manages the lifecycle of a realtime connection. The
// app_id query parameter scopes which rooms the client may join.
func HandleWebSocket(conn *websocket.Conn, hub *Hub) {
	appID := conn.Query("app_id")
	if appID == "" {
		hub.log.Warn().Msg("Rejecting websocket without app_id")
		conn.WriteJSON(fiber.Map{"event": "error", "data": "app_id required"})
		conn.Close()
		return
	}

	client := NewClient(conn, hub, appID)
	hub.register(client)
	client.log.Info().Msg("Client connected")

	writerDone := make(chan struct{})
	defer func() {
		hub.unregister(client)
		<-writerDone
		conn.Close()
		client.log.Info().Msg("Client disconnected")
	}()

	go func() {
		client.HandleWrite()
		// A failed writer must unblock the reader too.
		conn.Close()
		close(writerDone)
	}()
	client.HandleRead()
}
