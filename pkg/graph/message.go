package graph

import (
	"time"
)

// Message roles.
const (
	RoleHuman  = "human"
	RoleAI     = "ai"
	RoleTool   = "tool"
	RoleSystem = "system"
)

// ToolCall is a tool invocation recorded on an AI message.
type ToolCall struct {
	ID   string         `json:"id" bson:"id"`
	Name string         `json:"name" bson:"name"`
	Args map[string]any `json:"args" bson:"args"`
}

// Message is one conversation turn in the shared state.
type Message struct {
	Role       string     `json:"role" bson:"role"`
	Content    string     `json:"content" bson:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty" bson:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
}

func NewHumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content, Timestamp: time.Now()}
}

func NewAIMessage(content string) Message {
	return Message{Role: RoleAI, Content: content, Timestamp: time.Now()}
}

func NewToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, Timestamp: time.Now()}
}

// IsHuman reports whether the message came from the user.
func (m *Message) IsHuman() bool { return m.Role == RoleHuman }

// IsAI reports whether the message came from the model.
func (m *Message) IsAI() bool { return m.Role == RoleAI }

// HasToolCalls reports whether the message requests tool invocations.
func (m *Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }
