package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/base44/go-sdk/models"
)

// LocalIDPrefix marks message ids generated for optimistic entries.
const LocalIDPrefix = "local-"

// Outcome is the result of persisting an optimistic message.
// Exactly one of Message and Err is set.
type Outcome struct {
	Message *models.Message
	Err     error
}

// Store caches conversations by id. All reads return deep copies, so callers
// never observe a conversation that is being mutated.
//
// Every mutation advances a store-wide version. Subscribers registered with
// Subscribe receive states in version order; a state older than the last
// one a subscriber saw is dropped.
type Store struct {
	mu      sync.RWMutex
	convs   map[string]*models.Conversation
	subs    map[string][]*Subscriber
	version uint64
}

func NewStore() *Store {
	return &Store{
		convs: make(map[string]*models.Conversation),
		subs:  make(map[string][]*Subscriber),
	}
}

// GetOrInit returns the cached conversation, seeding it from initial (or an
// empty skeleton) when absent.
func (s *Store) GetOrInit(conversationID string, initial *models.Conversation) *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[conversationID]; ok {
		return c.Clone()
	}
	var c *models.Conversation
	if initial != nil {
		c = initial.Clone()
		c.ID = conversationID
	} else {
		c = &models.Conversation{ID: conversationID, Messages: []models.Message{}}
	}
	s.convs[conversationID] = c
	s.version++
	return c.Clone()
}

// Get returns a copy of the cached conversation.
func (s *Store) Get(conversationID string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// ApplyServerUpdate replaces the cached conversation wholesale; the server
// always sends the full message list.
func (s *Store) ApplyServerUpdate(conversationID string, updated *models.Conversation) *models.Conversation {
	c, _ := s.applyServerUpdate(conversationID, updated)
	return c
}

func (s *Store) applyServerUpdate(conversationID string, updated *models.Conversation) (*models.Conversation, uint64) {
	c := updated.Clone()
	if c == nil {
		c = &models.Conversation{}
	}
	c.ID = conversationID
	if c.Messages == nil {
		c.Messages = []models.Message{}
	}

	s.mu.Lock()
	s.convs[conversationID] = c
	s.version++
	version := s.version
	s.mu.Unlock()
	return c.Clone(), version
}

// ApplyOptimisticMessage appends draft under a fresh local id and returns
// that id together with the resulting conversation. Subscribers of the
// conversation are notified before it returns, unless a delivery to them
// is already in progress on another goroutine.
func (s *Store) ApplyOptimisticMessage(conversationID string, draft models.Message) (string, *models.Conversation) {
	localID := LocalIDPrefix + uuid.NewString()
	msg := draft.Clone()
	msg.ID = localID

	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		c = &models.Conversation{ID: conversationID}
		s.convs[conversationID] = c
	}
	c.Messages = append(c.Messages, msg)
	s.version++
	snapshot, version, subs := c.Clone(), s.version, s.subs[conversationID]
	s.mu.Unlock()

	publish(subs, snapshot, version)
	return localID, snapshot.Clone()
}

// Reconcile settles an optimistic message. On success the entry is replaced
// in place by the confirmed message; on failure it is removed and
// subscribers see the rollback. Confirmations are not published, the server
// echo carries them. A local id that is no longer present, typically
// because a server update already superseded it, is a no-op. The bool
// reports whether anything changed.
func (s *Store) Reconcile(conversationID, localID string, outcome Outcome) (*models.Conversation, bool) {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	idx := c.IndexOf(localID)
	if idx < 0 {
		defer s.mu.Unlock()
		return c.Clone(), false
	}

	rolledBack := outcome.Err != nil || outcome.Message == nil
	switch {
	case rolledBack:
		c.Messages = removeAt(c.Messages, idx)
	case outcome.Message.ID != "" && c.IndexOf(outcome.Message.ID) >= 0:
		// Already delivered by the server; keep ids unique.
		c.Messages = removeAt(c.Messages, idx)
	default:
		c.Messages[idx] = outcome.Message.Clone()
	}
	s.version++
	snapshot, version, subs := c.Clone(), s.version, s.subs[conversationID]
	s.mu.Unlock()

	if rolledBack {
		publish(subs, snapshot, version)
	}
	return snapshot.Clone(), true
}

// Remove drops a conversation from the cache.
func (s *Store) Remove(conversationID string) {
	s.mu.Lock()
	delete(s.convs, conversationID)
	s.version++
	s.mu.Unlock()
}

// Len returns the number of cached conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

func removeAt(msgs []models.Message, idx int) []models.Message {
	out := make([]models.Message, 0, len(msgs)-1)
	out = append(out, msgs[:idx]...)
	return append(out, msgs[idx+1:]...)
}
