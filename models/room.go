package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const roomPrefix = "entities"

// ScopeConversations is the room scope used for agent conversations.
const ScopeConversations = "conversations"

// ReservedScope reports whether scope is taken by a built-in room family,
// so no entity may use it as its name.
func ReservedScope(scope string) bool {
	return scope == ScopeConversations
}

// Room builds a room key: entities:{appID}:{scope}[:{id}].
func Room(appID, scope, id string) string {
	if id == "" {
		return fmt.Sprintf("%s:%s:%s", roomPrefix, appID, scope)
	}
	return fmt.Sprintf("%s:%s:%s:%s", roomPrefix, appID, scope, id)
}

// ConversationRoom is the room carrying updates for one conversation.
func ConversationRoom(appID, conversationID string) string {
	return Room(appID, ScopeConversations, conversationID)
}

// QueryRoom builds entities:{appID}:{scope}:query:{hash}, where hash is the
// hex sha256 of the query's JSON encoding. encoding/json sorts map keys, so
// equal queries always land in the same room.
func QueryRoom(appID, scope string, query map[string]any) (string, error) {
	data, err := json.Marshal(query)
	if err != nil {
		return "", fmt.Errorf("failed to encode query: %w", err)
	}
	sum := sha256.Sum256(data)
	return Room(appID, scope, "query:"+hex.EncodeToString(sum[:])), nil
}

// RoomKey is a parsed room key.
type RoomKey struct {
	AppID string
	Scope string
	ID    string // entity id, "query:<hash>", or empty
}

// ParseRoom splits a room key built by Room.
func ParseRoom(room string) (RoomKey, error) {
	parts := strings.SplitN(room, ":", 4)
	if len(parts) < 3 || parts[0] != roomPrefix || parts[1] == "" || parts[2] == "" {
		return RoomKey{}, fmt.Errorf("malformed room key %q", room)
	}
	key := RoomKey{AppID: parts[1], Scope: parts[2]}
	if len(parts) == 4 {
		key.ID = parts[3]
	}
	return key, nil
}

// RoomSubject maps a room key onto a NATS subject under prefix.
// Room segments must not contain dots.
func RoomSubject(prefix, room string) string {
	return prefix + "." + strings.ReplaceAll(room, ":", ".")
}
