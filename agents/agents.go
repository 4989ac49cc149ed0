// Package agents exposes agent conversations: CRUD over HTTP, realtime
// subscriptions and optimistic message sends.
package agents

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
	// ErrInvalidConversation is returned when a call needs a conversation
	// with an id and none was given.
	ErrInvalidConversation = errors.New("conversation with an id is required")
	// ErrInvalidMessage is returned for messages with an unknown role.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrMissingAgentName is returned by CreateConversation without an agent name.
	ErrMissingAgentName = errors.New("agent name is required")
	// ErrRealtimeDisabled is returned by realtime calls when the client was
	// built without a socket.
	ErrRealtimeDisabled = errors.New("realtime is disabled")
)

// Options wires a Module. Socket and Registry may be nil when realtime is off.
type Options struct {
	AppID    string
	HTTP     httpclient.Requester
	Socket   transport.Socket
	Registry *realtime.Registry
	Store    *realtime.Store
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
}

// Module is the agents API of one client.
type Module struct {
	appID    string
	http     httpclient.Requester
	socket   transport.Socket
	registry *realtime.Registry
	store    *realtime.Store
	log      *logger.Logger
	metrics  *metrics.Metrics
}

func New(opts Options) *Module {
	store := opts.Store
	if store == nil {
		store = realtime.NewStore()
	}
	return &Module{
		appID:    opts.AppID,
		http:     opts.HTTP,
		socket:   opts.Socket,
		registry: opts.Registry,
		store:    store,
		log:      logger.OrNop(opts.Logger).Component("agents"),
		metrics:  opts.Metrics,
	}
}

func (m *Module) conversationsPath(segments ...string) string {
	return httpclient.AppPath(m.appID, append([]string{"agents", "conversations"}, segments...)...)
}

// CreateConversationParams describes a new conversation.
type CreateConversationParams struct {
	AgentName string         `json:"agent_name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateConversation creates a conversation with the named agent and seeds
// the local cache with it.
func (m *Module) CreateConversation(ctx context.Context, params CreateConversationParams) (*models.Conversation, error) {
	if params.AgentName == "" {
		return nil, ErrMissingAgentName
	}
	var conv models.Conversation
	if err := m.http.Do(ctx, "POST", m.conversationsPath(), params, &conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	if conv.ID == "" {
		return nil, fmt.Errorf("failed to create conversation: %w", ErrInvalidConversation)
	}
	return m.store.ApplyServerUpdate(conv.ID, &conv), nil
}

// GetConversation fetches a conversation and refreshes the cache.
func (m *Module) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversation
	}
	var conv models.Conversation
	if err := m.http.Do(ctx, "GET", m.conversationsPath(conversationID), nil, &conv); err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", conversationID, err)
	}
	return m.store.ApplyServerUpdate(conversationID, &conv), nil
}

// ListConversations returns the conversations visible to the caller.
// Listed conversations are cached as well.
func (m *Module) ListConversations(ctx context.Context, opts httpclient.ListOptions) ([]*models.Conversation, error) {
	path, err := opts.Apply(m.conversationsPath())
	if err != nil {
		return nil, err
	}
	var convs []*models.Conversation
	if err := m.http.Do(ctx, "GET", path, nil, &convs); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]*models.Conversation, 0, len(convs))
	for _, c := range convs {
		if c == nil || c.ID == "" {
			continue
		}
		out = append(out, m.store.ApplyServerUpdate(c.ID, c))
	}
	return out, nil
}

// UpdateConversationParams carries the mutable conversation fields.
type UpdateConversationParams struct {
	Metadata map[string]any `json:"metadata"`
}

func (m *Module) UpdateConversation(ctx context.Context, conversationID string, params UpdateConversationParams) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversation
	}
	var conv models.Conversation
	if err := m.http.Do(ctx, "PUT", m.conversationsPath(conversationID), params, &conv); err != nil {
		return nil, fmt.Errorf("failed to update conversation %s: %w", conversationID, err)
	}
	return m.store.ApplyServerUpdate(conversationID, &conv), nil
}

// Cached returns the locally cached state of a conversation.
func (m *Module) Cached(conversationID string) (*models.Conversation, bool) {
	return m.store.Get(conversationID)
}

// AddMessage appends msg to conv. The message shows up in the cache, and
// in every active subscription of conv, before the request is sent. On
// success the optimistic entry is replaced by the persisted message; on
// failure it is removed, subscribers see the rollback and the error is
// returned. A send is never retried.
func (m *Module) AddMessage(ctx context.Context, conv *models.Conversation, msg models.Message) (*models.Message, error) {
	if conv == nil || conv.ID == "" {
		return nil, ErrInvalidConversation
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.store.GetOrInit(conv.ID, conv)
	localID, _ := m.store.ApplyOptimisticMessage(conv.ID, msg)

	body := msg.Clone()
	body.ID = ""
	var confirmed models.Message
	err := m.http.Do(ctx, "POST", m.conversationsPath(conv.ID, "messages"), body, &confirmed)
	if err != nil {
		m.store.Reconcile(conv.ID, localID, realtime.Outcome{Err: err})
		m.metrics.MessageSend("rolled_back")
		m.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Failed to add message, rolled back")
		return nil, fmt.Errorf("failed to add message to %s: %w", conv.ID, err)
	}

	// Subscribers learn about the persisted message from the server echo.
	m.store.Reconcile(conv.ID, localID, realtime.Outcome{Message: &confirmed})
	m.metrics.MessageSend("confirmed")
	out := confirmed.Clone()
	return &out, nil
}

// SubscribeToConversation calls onUpdate with the full conversation every
// time the server pushes a change, and synchronously for optimistic sends
// made through AddMessage. Realtime payloads that fail to decode go to
// onError, or to the log when onError is nil; the subscription stays
// active either way. The socket is connected on first use.
//
// onUpdate runs on the socket's dispatch goroutine for server pushes and on
// the AddMessage caller's goroutine for optimistic state, one call at a
// time and never with a state older than the one it last received.
// Subscribers registered through any module sharing the store see sends made
// through any of them.
func (m *Module) SubscribeToConversation(conversationID string, onUpdate func(*models.Conversation), onError func(error)) (func(), error) {
	if conversationID == "" {
		return nil, ErrInvalidConversation
	}
	if m.registry == nil || m.socket == nil {
		return nil, ErrRealtimeDisabled
	}

	sub := m.store.Subscribe(conversationID, onUpdate)

	room := models.ConversationRoom(m.appID, conversationID)
	unsubscribeRoom := m.registry.SubscribeToRoom(room, realtime.RoomHandlers{
		Update: func(ev models.UpdateEvent) {
			var conv models.Conversation
			if err := json.Unmarshal([]byte(ev.Data), &conv); err != nil {
				m.metrics.DecodeError("payload")
				decodeErr := &realtime.DecodeError{Room: ev.Room, Err: err}
				if onError != nil {
					onError(decodeErr)
					return
				}
				m.log.Warn().Err(decodeErr).Str("conversation_id", conversationID).Msg("Dropping undecodable conversation update")
				return
			}
			sub.Push(&conv)
		},
	})

	if err := m.socket.Connect(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to start realtime connection")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Close()
			unsubscribeRoom()
		})
	}, nil
}

// WebSocketStatus reports whether realtime is configured and connected.
type WebSocketStatus struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

func (m *Module) GetWebSocketStatus() WebSocketStatus {
	if m.socket == nil {
		return WebSocketStatus{}
	}
	return WebSocketStatus{
		Enabled:   true,
		Connected: m.socket.Status() == transport.StatusConnected,
	}
}

// ConnectWebSocket starts the realtime connection. It returns immediately;
// use GetWebSocketStatus to observe progress.
func (m *Module) ConnectWebSocket() error {
	if m.socket == nil {
		return ErrRealtimeDisabled
	}
	if err := m.socket.Connect(); err != nil {
		return fmt.Errorf("failed to connect websocket: %w", err)
	}
	return nil
}

// DisconnectWebSocket closes the realtime connection. Subscriptions are kept
// and their rooms are joined again on the next connect.
func (m *Module) DisconnectWebSocket() {
	if m.socket == nil {
		return
	}
	m.socket.Disconnect()
}
