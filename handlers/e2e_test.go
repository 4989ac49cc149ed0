package handlers_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/base44/go-sdk/agents"
	"github.com/base44/go-sdk/client"
	"github.com/base44/go-sdk/config"
	"github.com/base44/go-sdk/handlers"
	"github.com/base44/go-sdk/models"
	"github.com/base44/go-sdk/realtime"
	"github.com/base44/go-sdk/transport"
)

const appID = "app-e2e"

type devserver struct {
	server *handlers.Server
	ln     *fasthttputil.InmemoryListener
}

func startDevserver(t *testing.T) *devserver {
	t.Helper()
	srv := &handlers.Server{
		Memory:    handlers.NewMemory(),
		Hub:       handlers.NewHub(nil, nil, nil),
		UserToken: "user-token",
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	srv.Register(app)

	ln := fasthttputil.NewInmemoryListener()
	go app.Listener(ln)
	t.Cleanup(func() { ln.Close() })
	return &devserver{server: srv, ln: ln}
}

func (d *devserver) newClient(t *testing.T) *client.Client {
	t.Helper()
	cfg := config.Default()
	cfg.ServerURL = "http://devserver.test"
	cfg.AppID = appID
	cfg.Token = "user-token"
	cfg.ReconnectWait = 50 * time.Millisecond

	ws := transport.NewWebSocket(transport.FromConfig(cfg))
	ws.Dialer.NetDial = func(network, addr string) (net.Conn, error) { return d.ln.Dial() }
	hc := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return d.ln.Dial() }}

	c, err := client.New(cfg, client.WithSocket(ws), client.WithHTTPClient(hc))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestEndToEnd_SupportAgentConversation(t *testing.T) {
	d := startDevserver(t)
	c := d.newClient(t)
	ctx := context.Background()

	conv, err := c.Agents.CreateConversation(ctx, agents.CreateConversationParams{AgentName: "support-agent"})
	require.NoError(t, err)

	updates := make(chan *models.Conversation, 8)
	unsub, err := c.Agents.SubscribeToConversation(conv.ID, func(u *models.Conversation) { updates <- u }, nil)
	require.NoError(t, err)
	defer unsub()

	room := models.ConversationRoom(appID, conv.ID)
	require.Eventually(t, func() bool { return d.server.Hub.Members(room) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Agents.GetWebSocketStatus().Connected)

	msg, err := c.Agents.AddMessage(ctx, conv, models.Message{Role: models.RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(msg.ID, realtime.LocalIDPrefix))

	optimistic := <-updates
	require.Len(t, optimistic.Messages, 1)
	assert.True(t, strings.HasPrefix(optimistic.Messages[0].ID, realtime.LocalIDPrefix))

	select {
	case echoed := <-updates:
		require.Len(t, echoed.Messages, 1)
		assert.Equal(t, msg.ID, echoed.Messages[0].ID)
		assert.Equal(t, "hi", echoed.Messages[0].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no server echo")
	}

	cached, ok := c.Agents.Cached(conv.ID)
	require.True(t, ok)
	require.Len(t, cached.Messages, 1)
	assert.Equal(t, msg.ID, cached.Messages[0].ID)
}

func TestEndToEnd_EntitySubscription(t *testing.T) {
	d := startDevserver(t)
	c := d.newClient(t)
	ctx := context.Background()
	tasks := c.Entities.Entity("Task")

	events := make(chan models.EntityEvent, 8)
	unsub, err := tasks.Subscribe("", func(ev models.EntityEvent) { events <- ev }, nil)
	require.NoError(t, err)
	defer unsub()

	room := models.Room(appID, "Task", "")
	require.Eventually(t, func() bool { return d.server.Hub.Members(room) == 1 }, 2*time.Second, 10*time.Millisecond)

	rec, err := tasks.Create(ctx, map[string]any{"title": "Write docs"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "create", ev.Type)
		assert.Equal(t, rec.ID(), ev.ID)
		assert.Equal(t, "Write docs", ev.Data["title"])
	case <-time.After(2 * time.Second):
		t.Fatal("no entity event")
	}
}

func TestEndToEnd_RejoinsAfterReconnect(t *testing.T) {
	d := startDevserver(t)
	c := d.newClient(t)

	unsub, err := c.Agents.SubscribeToConversation("c1", func(*models.Conversation) {}, nil)
	require.NoError(t, err)
	defer unsub()

	room := models.ConversationRoom(appID, "c1")
	require.Eventually(t, func() bool { return d.server.Hub.Members(room) == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Agents.DisconnectWebSocket()
	require.Eventually(t, func() bool { return d.server.Hub.Members(room) == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Agents.ConnectWebSocket())
	require.Eventually(t, func() bool { return d.server.Hub.Members(room) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_Unauthorized(t *testing.T) {
	d := startDevserver(t)
	c := d.newClient(t)
	require.NoError(t, c.SetToken("stolen"))

	_, err := c.Agents.CreateConversation(context.Background(), agents.CreateConversationParams{AgentName: "support-agent"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORBIDDEN")
}
