package realtime

import (
	"slices"
	"sync"

	"github.com/base44/go-sdk/models"
)

// Subscriber receives the states of one cached conversation. Deliveries are
// serialized: fn never runs concurrently with itself, and a state older than
// one already delivered is skipped. A delivery that arrives while fn is
// running, on any goroutine, is queued and handed over by the running
// delivery once fn returns.
type Subscriber struct {
	store          *Store
	conversationID string
	fn             func(*models.Conversation)

	mu       sync.Mutex
	queue    []pending
	draining bool
	last     uint64
	closed   bool
}

type pending struct {
	conv    *models.Conversation
	version uint64
}

// Subscribe registers fn for conversationID. Optimistic appends and
// rollbacks made through the store are delivered to every subscriber of the
// conversation; server updates reach a subscriber through Push.
func (s *Store) Subscribe(conversationID string, fn func(*models.Conversation)) *Subscriber {
	sub := &Subscriber{store: s, conversationID: conversationID, fn: fn}
	s.mu.Lock()
	// Copy on write: publishers iterate the slice without the lock.
	s.subs[conversationID] = append(slices.Clip(s.subs[conversationID]), sub)
	s.mu.Unlock()
	return sub
}

// Subscribers returns the number of subscribers of conversationID.
func (s *Store) Subscribers(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[conversationID])
}

// Push applies a server update to the store and delivers the result to sub
// only. It returns the stored state, or nil once sub is closed.
func (sub *Subscriber) Push(updated *models.Conversation) *models.Conversation {
	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		return nil
	}
	snapshot, version := sub.store.applyServerUpdate(sub.conversationID, updated)
	sub.deliver(snapshot.Clone(), version)
	return snapshot
}

// Close unregisters sub. Queued deliveries are discarded. Safe to repeat.
func (sub *Subscriber) Close() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.queue = nil
	sub.mu.Unlock()

	s := sub.store
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := slices.DeleteFunc(slices.Clone(s.subs[sub.conversationID]), func(o *Subscriber) bool { return o == sub })
	if len(subs) == 0 {
		delete(s.subs, sub.conversationID)
		return
	}
	s.subs[sub.conversationID] = subs
}

func (sub *Subscriber) deliver(conv *models.Conversation, version uint64) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, pending{conv: conv, version: version})
	if sub.draining {
		sub.mu.Unlock()
		return
	}
	sub.draining = true
	for len(sub.queue) > 0 && !sub.closed {
		next := sub.queue[0]
		sub.queue = sub.queue[1:]
		if next.version <= sub.last {
			continue
		}
		sub.last = next.version
		sub.mu.Unlock()
		if sub.fn != nil {
			sub.fn(next.conv)
		}
		sub.mu.Lock()
	}
	sub.draining = false
	sub.mu.Unlock()
}

func publish(subs []*Subscriber, conv *models.Conversation, version uint64) {
	for _, sub := range subs {
		sub.deliver(conv.Clone(), version)
	}
}
