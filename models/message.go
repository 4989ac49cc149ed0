package models

// Role is the author kind of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message represents one exchange within a conversation
type Message struct {
	ID          string         `json:"id"`                     // Server id, or a local- id while optimistic
	Role        Role           `json:"role"`                   // user | assistant | system
	Content     any            `json:"content"`                // Text or structured JSON, may be nil
	FileURLs    []string       `json:"file_urls,omitempty"`    // Attachments
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`   // Tool invocations made by the agent
	Usage       *Usage         `json:"usage,omitempty"`        // Token accounting
	Reasoning   *Reasoning     `json:"reasoning,omitempty"`    // Agent reasoning trace
	Hidden      bool           `json:"hidden,omitempty"`       // Not rendered in chat UIs
	Metadata    map[string]any `json:"metadata,omitempty"`     // Free-form
	CreatedDate string         `json:"created_date,omitempty"` // Server timestamp
	CreatedBy   string         `json:"created_by,omitempty"`   // Creator identity
}

// ToolCall records one tool invocation by an agent.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_string,omitempty"`
	Status        string `json:"status,omitempty"` // pending, running, success, error
	Results       string `json:"results,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

type Reasoning struct {
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Clone returns a copy that shares no slices or maps with m, including
// structured content.
func (m Message) Clone() Message {
	out := m
	out.Content = cloneValue(m.Content)
	if m.FileURLs != nil {
		out.FileURLs = append([]string(nil), m.FileURLs...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Metadata != nil {
		out.Metadata = cloneMap(m.Metadata)
	}
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	if m.Reasoning != nil {
		r := *m.Reasoning
		out.Reasoning = &r
	}
	return out
}
