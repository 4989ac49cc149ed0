package agents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/base44/go-sdk/httpclient"
	"github.com/base44/go-sdk/metrics"
	"github.com/base44/go-sdk/models"
	"github.com/base44/go-sdk/realtime"
	"github.com/base44/go-sdk/testutil"
)

type call struct {
	method string
	path   string
	body   any
}

// fakeRequester answers requests through respond and records every call.
type fakeRequester struct {
	mu      sync.Mutex
	calls   []call
	respond func(method, path string, body any) (any, error)
}

func (f *fakeRequester) Do(ctx context.Context, method, path string, body, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, path: path, body: body})
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return nil
	}
	resp, err := respond(method, path, body)
	if err != nil {
		return err
	}
	if out == nil || resp == nil {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeRequester) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type harness struct {
	module  *Module
	socket  *testutil.FakeSocket
	http    *fakeRequester
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sock := testutil.NewConnectedFakeSocket()
	m := metrics.New(prometheus.NewRegistry())
	req := &fakeRequester{}
	mod := New(Options{
		AppID:    testutil.TestAppID,
		HTTP:     req,
		Socket:   sock,
		Registry: realtime.NewRegistry(sock, realtime.RegistryOptions{Metrics: m}),
		Store:    realtime.NewStore(),
		Metrics:  m,
	})
	return &harness{module: mod, socket: sock, http: req, metrics: m}
}

func (h *harness) recordUpdates() (func(*models.Conversation), func() []*models.Conversation) {
	var mu sync.Mutex
	var got []*models.Conversation
	return func(c *models.Conversation) {
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
		}, func() []*models.Conversation {
			mu.Lock()
			defer mu.Unlock()
			return append([]*models.Conversation(nil), got...)
		}
}

func TestCreateConversation(t *testing.T) {
	h := newHarness(t)
	h.http.respond = func(method, path string, body any) (any, error) {
		params := body.(CreateConversationParams)
		return models.Conversation{ID: "c1", AppID: testutil.TestAppID, AgentName: params.AgentName}, nil
	}

	conv, err := h.module.CreateConversation(context.Background(), CreateConversationParams{AgentName: "support-agent"})
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)
	assert.Equal(t, "support-agent", conv.AgentName)
	assert.NotNil(t, conv.Messages)

	calls := h.http.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "POST", calls[0].method)
	assert.Equal(t, "/api/apps/app-test/agents/conversations", calls[0].path)

	cached, ok := h.module.Cached("c1")
	require.True(t, ok)
	assert.Equal(t, "support-agent", cached.AgentName)
}

func TestCreateConversation_RequiresAgentName(t *testing.T) {
	h := newHarness(t)
	_, err := h.module.CreateConversation(context.Background(), CreateConversationParams{})
	assert.ErrorIs(t, err, ErrMissingAgentName)
	assert.Empty(t, h.http.Calls())
}

func TestGetAndListConversations(t *testing.T) {
	h := newHarness(t)
	h.http.respond = func(method, path string, body any) (any, error) {
		if strings.HasPrefix(path, "/api/apps/app-test/agents/conversations?") {
			return []models.Conversation{*testutil.SampleConversation("c1", 1), *testutil.SampleConversation("c2", 2)}, nil
		}
		return testutil.SampleConversation("c3", 3), nil
	}

	conv, err := h.module.GetConversation(context.Background(), "c3")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 3)

	list, err := h.module.ListConversations(context.Background(), httpclient.ListOptions{Limit: 10, Sort: "-created_date"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[1].ID)

	calls := h.http.Calls()
	assert.Contains(t, calls[1].path, "limit=10")
	assert.Contains(t, calls[1].path, "sort=-created_date")

	_, err = h.module.GetConversation(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidConversation)
}

func TestUpdateConversation(t *testing.T) {
	h := newHarness(t)
	h.http.respond = func(method, path string, body any) (any, error) {
		conv := testutil.SampleConversation("c1", 0)
		conv.Metadata = body.(UpdateConversationParams).Metadata
		return conv, nil
	}

	conv, err := h.module.UpdateConversation(context.Background(), "c1", UpdateConversationParams{Metadata: map[string]any{"title": "Refund"}})
	require.NoError(t, err)
	assert.Equal(t, "Refund", conv.Metadata["title"])
	assert.Equal(t, "PUT", h.http.Calls()[0].method)
}

func TestAddMessage_OptimisticThenConfirmed(t *testing.T) {
	h := newHarness(t)
	conv := testutil.SampleConversation("c1", 2)

	release := make(chan struct{})
	seenDuringRequest := make(chan *models.Conversation, 1)
	h.http.respond = func(method, path string, body any) (any, error) {
		cached, _ := h.module.Cached("c1")
		seenDuringRequest <- cached
		<-release
		return models.Message{ID: "srv-3", Role: models.RoleUser, Content: "hi", CreatedDate: "2026-01-01T00:00:03Z"}, nil
	}

	type result struct {
		msg *models.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := h.module.AddMessage(context.Background(), conv, testutil.UserMessage("hi"))
		done <- result{msg, err}
	}()

	pending := <-seenDuringRequest
	require.Len(t, pending.Messages, 3)
	assert.True(t, strings.HasPrefix(pending.Messages[2].ID, realtime.LocalIDPrefix))
	assert.Equal(t, "hi", pending.Messages[2].Content)
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "srv-3", res.msg.ID)

	final, _ := h.module.Cached("c1")
	require.Len(t, final.Messages, 3)
	assert.Equal(t, "srv-3", final.Messages[2].ID)
	assert.Equal(t, -1, final.IndexOf(pending.Messages[2].ID))

	calls := h.http.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/api/apps/app-test/agents/conversations/c1/messages", calls[0].path)
	assert.Equal(t, "", calls[0].body.(models.Message).ID)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.MessageSendsTotal.WithLabelValues("confirmed")))
}

func TestAddMessage_FailureRollsBack(t *testing.T) {
	h := newHarness(t)
	conv := testutil.SampleConversation("c1", 1)
	apiErr := &httpclient.APIError{Status: 500, Code: "INTERNAL", Message: "boom"}
	h.http.respond = func(string, string, any) (any, error) { return nil, apiErr }

	onUpdate, updates := h.recordUpdates()
	unsub, err := h.module.SubscribeToConversation("c1", onUpdate, nil)
	require.NoError(t, err)
	defer unsub()

	msg, err := h.module.AddMessage(context.Background(), conv, testutil.UserMessage("hi"))
	assert.Nil(t, msg)
	require.Error(t, err)
	var got *httpclient.APIError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, "INTERNAL", got.Code)

	cached, _ := h.module.Cached("c1")
	require.Len(t, cached.Messages, 1)
	assert.Equal(t, "m1", cached.Messages[0].ID)

	seen := updates()
	require.Len(t, seen, 2, "optimistic state then rollback")
	assert.Len(t, seen[0].Messages, 2)
	assert.Len(t, seen[1].Messages, 1)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.MessageSendsTotal.WithLabelValues("rolled_back")))
}

func TestAddMessage_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.module.AddMessage(context.Background(), nil, testutil.UserMessage("hi"))
	assert.ErrorIs(t, err, ErrInvalidConversation)

	_, err = h.module.AddMessage(context.Background(), &models.Conversation{ID: "c1"}, models.Message{Role: "robot"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	assert.Empty(t, h.http.Calls())
	_, cached := h.module.Cached("c1")
	assert.False(t, cached)
}

func TestAddMessage_EchoBeforeResponse(t *testing.T) {
	h := newHarness(t)
	conv := testutil.SampleConversation("c1", 0)
	room := models.ConversationRoom(testutil.TestAppID, "c1")

	onUpdate, updates := h.recordUpdates()
	unsub, err := h.module.SubscribeToConversation("c1", onUpdate, nil)
	require.NoError(t, err)
	defer unsub()

	persisted := models.Message{ID: "srv-1", Role: models.RoleUser, Content: "hi"}
	h.http.respond = func(string, string, any) (any, error) {
		echo := testutil.SampleConversation("c1", 0)
		echo.Messages = append(echo.Messages, persisted)
		h.socket.DeliverUpdate(room, echo)
		return persisted, nil
	}

	_, err = h.module.AddMessage(context.Background(), conv, testutil.UserMessage("hi"))
	require.NoError(t, err)

	cached, _ := h.module.Cached("c1")
	require.Len(t, cached.Messages, 1)
	assert.Equal(t, "srv-1", cached.Messages[0].ID)
	assert.Len(t, updates(), 2)
}

func TestSupportAgentScenario(t *testing.T) {
	h := newHarness(t)
	h.http.respond = func(method, path string, body any) (any, error) {
		if strings.HasSuffix(path, "/messages") {
			return models.Message{ID: "srv-msg-1", Role: models.RoleUser, Content: "hi"}, nil
		}
		return models.Conversation{ID: "c1", AgentName: body.(CreateConversationParams).AgentName}, nil
	}

	conv, err := h.module.CreateConversation(context.Background(), CreateConversationParams{AgentName: "support-agent"})
	require.NoError(t, err)

	onUpdate, updates := h.recordUpdates()
	unsub, err := h.module.SubscribeToConversation(conv.ID, onUpdate, nil)
	require.NoError(t, err)
	defer unsub()
	assert.Equal(t, []any{models.ConversationRoom(testutil.TestAppID, "c1")}, h.socket.SentEvents(models.EventJoin))

	_, err = h.module.AddMessage(context.Background(), conv, models.Message{Role: models.RoleUser, Content: "hi"})
	require.NoError(t, err)

	first := updates()
	require.Len(t, first, 1)
	require.Len(t, first[0].Messages, 1)
	localID := first[0].Messages[0].ID
	assert.True(t, strings.HasPrefix(localID, realtime.LocalIDPrefix))

	echo := models.Conversation{
		ID:        "c1",
		AgentName: "support-agent",
		Messages:  []models.Message{{ID: "srv-msg-1", Role: models.RoleUser, Content: "hi"}},
	}
	h.socket.DeliverUpdate(models.ConversationRoom(testutil.TestAppID, "c1"), echo)

	all := updates()
	require.Len(t, all, 2)
	last := all[1]
	require.Len(t, last.Messages, 1)
	assert.Equal(t, models.RoleUser, last.Messages[0].Role)
	assert.Equal(t, "hi", last.Messages[0].Content)
	assert.NotEqual(t, localID, last.Messages[0].ID)
}

func TestSubscribe_TwoSubscribersUnsubscribeFirst(t *testing.T) {
	h := newHarness(t)
	room := models.ConversationRoom(testutil.TestAppID, "c1")

	firstUpdate, firstSeen := h.recordUpdates()
	secondUpdate, secondSeen := h.recordUpdates()
	unsubFirst, err := h.module.SubscribeToConversation("c1", firstUpdate, nil)
	require.NoError(t, err)
	unsubSecond, err := h.module.SubscribeToConversation("c1", secondUpdate, nil)
	require.NoError(t, err)
	defer unsubSecond()

	assert.Len(t, h.socket.SentEvents(models.EventJoin), 1)

	unsubFirst()
	unsubFirst()
	h.socket.DeliverUpdate(room, testutil.SampleConversation("c1", 2))

	assert.Empty(t, firstSeen())
	require.Len(t, secondSeen(), 1)
	assert.Len(t, secondSeen()[0].Messages, 2)
	assert.Empty(t, h.socket.SentEvents(models.EventLeave))
}

func TestSubscribe_DecodeErrors(t *testing.T) {
	h := newHarness(t)
	room := models.ConversationRoom(testutil.TestAppID, "c1")

	var errs []error
	onUpdate, updates := h.recordUpdates()
	unsub, err := h.module.SubscribeToConversation("c1", onUpdate, func(err error) { errs = append(errs, err) })
	require.NoError(t, err)
	defer unsub()

	h.socket.DeliverUpdate(room, "{not json")
	h.socket.DeliverUpdate(room, testutil.SampleConversation("c1", 1))

	require.Len(t, errs, 1)
	var decodeErr *realtime.DecodeError
	require.True(t, errors.As(errs[0], &decodeErr))
	assert.Equal(t, room, decodeErr.Room)
	assert.Len(t, updates(), 1, "subscription survives a bad payload")
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.DecodeErrorsTotal.WithLabelValues("payload")))

	// Without onError the payload is logged and dropped.
	unsubQuiet, err := h.module.SubscribeToConversation("c2", nil, nil)
	require.NoError(t, err)
	defer unsubQuiet()
	assert.NotPanics(t, func() {
		h.socket.DeliverUpdate(models.ConversationRoom(testutil.TestAppID, "c2"), "[")
	})
}

func TestSubscribe_ConnectsLazily(t *testing.T) {
	sock := testutil.NewFakeSocket()
	mod := New(Options{
		AppID:    testutil.TestAppID,
		HTTP:     &fakeRequester{},
		Socket:   sock,
		Registry: realtime.NewRegistry(sock, realtime.RegistryOptions{}),
	})

	assert.Equal(t, WebSocketStatus{Enabled: true, Connected: false}, mod.GetWebSocketStatus())

	unsub, err := mod.SubscribeToConversation("c1", func(*models.Conversation) {}, nil)
	require.NoError(t, err)
	defer unsub()

	assert.Equal(t, 1, sock.Connects)
	assert.Equal(t, []any{models.ConversationRoom(testutil.TestAppID, "c1")}, sock.SentEvents(models.EventJoin))
	assert.Equal(t, WebSocketStatus{Enabled: true, Connected: true}, mod.GetWebSocketStatus())
}

func TestWebSocketControls(t *testing.T) {
	h := newHarness(t)

	h.module.DisconnectWebSocket()
	assert.False(t, h.module.GetWebSocketStatus().Connected)
	h.module.DisconnectWebSocket()
	assert.Equal(t, 1, h.socket.Disconnects)

	require.NoError(t, h.module.ConnectWebSocket())
	assert.True(t, h.module.GetWebSocketStatus().Connected)
}

func TestRealtimeDisabled(t *testing.T) {
	mod := New(Options{AppID: testutil.TestAppID, HTTP: &fakeRequester{}})

	_, err := mod.SubscribeToConversation("c1", nil, nil)
	assert.ErrorIs(t, err, ErrRealtimeDisabled)
	assert.ErrorIs(t, mod.ConnectWebSocket(), ErrRealtimeDisabled)
	assert.Equal(t, WebSocketStatus{}, mod.GetWebSocketStatus())
	assert.NotPanics(t, mod.DisconnectWebSocket)
}

func TestAddMessage_ServerPushDuringOptimisticUpdate(t *testing.T) {
	h := newHarness(t)
	h.http.respond = func(method, path string, body any) (any, error) {
		return models.Message{ID: "srv-local", Role: models.RoleUser, Content: "hi"}, nil
	}
	conv := &models.Conversation{ID: "c1", Messages: []models.Message{}}
	room := models.ConversationRoom(testutil.TestAppID, "c1")
	server := &models.Conversation{ID: "c1", Messages: []models.Message{{ID: "a1", Role: models.RoleAssistant, Content: "hello"}}}

	var inA, overlapped sync.Mutex
	concurrent := false
	var pushOnce sync.Once
	recordA, updatesA := h.recordUpdates()
	onA := func(c *models.Conversation) {
		if !inA.TryLock() {
			overlapped.Lock()
			concurrent = true
			overlapped.Unlock()
			return
		}
		defer inA.Unlock()
		recordA(c)
		pushOnce.Do(func() {
			// A server push lands from the dispatch goroutine while the
			// optimistic state is being handed out.
			done := make(chan struct{})
			go func() {
				h.socket.DeliverUpdate(room, server)
				close(done)
			}()
			<-done
		})
	}
	recordB, updatesB := h.recordUpdates()

	unsubA, err := h.module.SubscribeToConversation("c1", onA, nil)
	require.NoError(t, err)
	defer unsubA()
	unsubB, err := h.module.SubscribeToConversation("c1", recordB, nil)
	require.NoError(t, err)
	defer unsubB()

	_, err = h.module.AddMessage(context.Background(), conv, models.Message{Content: "hi"})
	require.NoError(t, err)

	cached, _ := h.module.Cached("c1")
	require.Len(t, cached.Messages, 1)
	assert.Equal(t, "a1", cached.Messages[0].ID)

	for name, updates := range map[string][]*models.Conversation{"A": updatesA(), "B": updatesB()} {
		require.NotEmpty(t, updates, name)
		last := updates[len(updates)-1]
		require.Len(t, last.Messages, 1, name)
		assert.Equal(t, "a1", last.Messages[0].ID, "%s ends on the server state", name)
	}
	require.Len(t, updatesA(), 2)
	assert.True(t, strings.HasPrefix(updatesA()[0].Messages[0].ID, realtime.LocalIDPrefix))
	assert.Len(t, updatesB(), 1, "the older optimistic state is not delivered after the push")

	overlapped.Lock()
	defer overlapped.Unlock()
	assert.False(t, concurrent)
}

func TestAddMessage_SubscribersShareStoreAcrossModules(t *testing.T) {
	h := newHarness(t)
	service := New(Options{
		AppID:    testutil.TestAppID,
		HTTP:     &fakeRequester{respond: func(string, string, any) (any, error) { return nil, errors.New("boom") }},
		Socket:   h.socket,
		Registry: h.module.registry,
		Store:    h.module.store,
	})

	record, updates := h.recordUpdates()
	unsub, err := h.module.SubscribeToConversation("c1", record, nil)
	require.NoError(t, err)
	defer unsub()

	_, err = service.AddMessage(context.Background(), &models.Conversation{ID: "c1"}, models.Message{Content: "hi"})
	require.Error(t, err)

	got := updates()
	require.Len(t, got, 2)
	require.Len(t, got[0].Messages, 1)
	assert.True(t, strings.HasPrefix(got[0].Messages[0].ID, realtime.LocalIDPrefix))
	assert.Empty(t, got[1].Messages)
}
