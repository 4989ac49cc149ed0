package handlers

import (
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/base44/go-sdk/models"
)

var errNotFound = errors.New("not found")

func now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// Memory is the devserver's in-process data set, partitioned by app id.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]map[string]*models.Conversation
	records       map[string]map[string]map[string]map[string]any // app -> entity -> id -> record
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]map[string]*models.Conversation),
		records:       make(map[string]map[string]map[string]map[string]any),
	}
}

func (m *Memory) CreateConversation(appID, createdBy, agentName string, metadata map[string]any) *models.Conversation {
	ts := now()
	conv := &models.Conversation{
		ID:          uuid.NewString(),
		AppID:       appID,
		AgentName:   agentName,
		CreatedByID: createdBy,
		Messages:    []models.Message{},
		Metadata:    metadata,
		CreatedDate: ts,
		UpdatedDate: ts,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversations[appID] == nil {
		m.conversations[appID] = make(map[string]*models.Conversation)
	}
	m.conversations[appID][conv.ID] = conv
	return conv.Clone()
}

func (m *Memory) Conversation(appID, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[appID][id]
	if !ok {
		return nil, errNotFound
	}
	return conv.Clone(), nil
}

// Conversations returns the app's conversations, newest first, optionally
// restricted to one agent.
func (m *Memory) Conversations(appID, agentName string) []*models.Conversation {
	m.mu.RLock()
	out := make([]*models.Conversation, 0, len(m.conversations[appID]))
	for _, c := range m.conversations[appID] {
		if agentName != "" && c.AgentName != agentName {
			continue
		}
		out = append(out, c.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedDate == out[j].CreatedDate {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedDate > out[j].CreatedDate
	})
	return out
}

func (m *Memory) UpdateConversationMetadata(appID, id string, metadata map[string]any) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[appID][id]
	if !ok {
		return nil, errNotFound
	}
	conv.Metadata = metadata
	conv.UpdatedDate = now()
	return conv.Clone(), nil
}

// AppendMessage stores msg under a new id and returns the stored message and
// the resulting conversation.
func (m *Memory) AppendMessage(appID, conversationID, createdBy string, msg models.Message) (models.Message, *models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[appID][conversationID]
	if !ok {
		return models.Message{}, nil, errNotFound
	}

	stored := msg.Clone()
	stored.ID = uuid.NewString()
	stored.CreatedDate = now()
	if stored.CreatedBy == "" {
		stored.CreatedBy = createdBy
	}
	conv.Messages = append(conv.Messages, stored)
	conv.UpdatedDate = stored.CreatedDate
	return stored.Clone(), conv.Clone(), nil
}

func (m *Memory) entity(appID, name string) map[string]map[string]any {
	if m.records[appID] == nil {
		m.records[appID] = make(map[string]map[string]map[string]any)
	}
	if m.records[appID][name] == nil {
		m.records[appID][name] = make(map[string]map[string]any)
	}
	return m.records[appID][name]
}

func copyRecord(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (m *Memory) CreateRecord(appID, name string, data map[string]any) map[string]any {
	rec := copyRecord(data)
	ts := now()
	rec["id"] = uuid.NewString()
	rec["created_date"] = ts
	rec["updated_date"] = ts

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entity(appID, name)[rec["id"].(string)] = rec
	return copyRecord(rec)
}

func (m *Memory) Record(appID, name, id string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[appID][name][id]
	if !ok {
		return nil, errNotFound
	}
	return copyRecord(rec), nil
}

// Records returns the records of an entity whose fields equal every entry of
// filter, ordered by creation.
func (m *Memory) Records(appID, name string, filter map[string]any) []map[string]any {
	m.mu.RLock()
	out := make([]map[string]any, 0, len(m.records[appID][name]))
	for _, rec := range m.records[appID][name] {
		if matches(rec, filter) {
			out = append(out, copyRecord(rec))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ci, _ := out[i]["created_date"].(string)
		cj, _ := out[j]["created_date"].(string)
		if ci == cj {
			return out[i]["id"].(string) < out[j]["id"].(string)
		}
		return ci < cj
	})
	return out
}

func matches(rec, filter map[string]any) bool {
	for k, want := range filter {
		if !reflect.DeepEqual(rec[k], want) {
			return false
		}
	}
	return true
}

func (m *Memory) UpdateRecord(appID, name, id string, data map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[appID][name][id]
	if !ok {
		return nil, errNotFound
	}
	for k, v := range data {
		switch k {
		case "id", "created_date":
			continue
		}
		rec[k] = v
	}
	rec["updated_date"] = now()
	return copyRecord(rec), nil
}

func (m *Memory) DeleteRecord(appID, name, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[appID][name][id]; !ok {
		return errNotFound
	}
	delete(m.records[appID][name], id)
	return nil
}
