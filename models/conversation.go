package models

// Conversation is a dialogue between a user and a named agent.
// Messages are kept in conversation order.
type Conversation struct {
	ID          string         `json:"id"`
	AppID       string         `json:"app_id,omitempty"`
	AgentName   string         `json:"agent_name"`
	CreatedByID string         `json:"created_by_id,omitempty"`
	Messages    []Message      `json:"messages"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedDate string         `json:"created_date,omitempty"`
	UpdatedDate string         `json:"updated_date,omitempty"`
}

// Clone returns a deep copy: mutating the result, down to nested message
// content and metadata values, never touches c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	if c.Metadata != nil {
		out.Metadata = cloneMap(c.Metadata)
	}
	return &out
}

// IndexOf returns the position of the message with the given id, or -1.
func (c *Conversation) IndexOf(messageID string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}
