package models

// Role identifies the author of a conversation message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallKind is the kind of a tool call request. Only function calls are honored.
type ToolCallKind string

const (
	ToolCallFunction ToolCallKind = "function"
)

// ToolCall is a tool invocation requested by the language model
type ToolCall struct {
	ID        string       `json:"id"`
	Kind      ToolCallKind `json:"type"`
	Name      string       `json:"name"`
	Arguments string       `json:"arguments"` // raw JSON, validated by the dispatcher
}

// Message is a single conversation turn.
// ToolCalls is only set on assistant messages, ToolCallID and Name only on tool messages.
type Message struct {
	Role       Role       `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// SystemMessage creates a system instruction message
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: &content}
}

// UserMessage creates a user message
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: &content}
}

// AssistantMessage creates an assistant message. Content may be nil when the
// model only requested tool calls.
func AssistantMessage(content *string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolMessage creates a tool result message keyed to the originating call
func ToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: &content, ToolCallID: callID, Name: name}
}

// Text returns the message content, or "" when it is nil
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// HasToolCalls reports whether the message carries any tool call requests
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}
