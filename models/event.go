package models

import "encoding/json"

// Realtime event names.
const (
	EventJoin        = "join"
	EventLeave       = "leave"
	EventUpdateModel = "update_model"
)

// Frame is the websocket envelope in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UpdateEvent is the update_model payload. Data holds JSON as a string;
// its shape depends on the room scope.
type UpdateEvent struct {
	Room string `json:"room"`
	Data string `json:"data"`
}

// EntityEvent is the decoded Data of an entity room update.
type EntityEvent struct {
	Type      string         `json:"type"` // create, update, delete
	ID        string         `json:"id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}
