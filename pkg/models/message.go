package models

import (
	"fmt"
	"strconv"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "tool_result"
)

// Message is a single entry in a conversation transcript. Messages are
// immutable once appended; the agent only ever adds new ones (compaction,
// which replaces a prefix, goes through the session store).
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Assistant-only fields.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`

	// tool_result-only fields.
	ToolCallID string `json:"tool_call_id,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant message with optional tool calls and thinking.
func AssistantMessage(content string, toolCalls []ToolCall, thinking string) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls, Thinking: thinking}
}

// ToolResultMessage builds a tool_result message paired to a tool call.
func ToolResultMessage(callID, content string, isError bool) Message {
	return Message{Role: RoleToolResult, ToolCallID: callID, Content: content, IsError: isError}
}

// ToolCall represents an LLM's request to execute a tool.
//
// While a response is streaming the call exists in a partial form: Arguments
// is nil and the raw JSON accumulates in ArgumentsJSON; ItemID and Index carry
// provider-side correlation handles. Finalisation parses ArgumentsJSON and
// drops calls with no ID or name.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// Streaming bookkeeping, not part of the persisted form.
	ItemID        string `json:"-"`
	Index         int    `json:"-"`
	ArgumentsJSON string `json:"-"`
	Complete      bool   `json:"-"`
}

// Key returns the identity used to match delta events to a call: the first
// non-empty of ID, ItemID, and the call index.
func (tc ToolCall) Key() string {
	if tc.ID != "" {
		return tc.ID
	}
	if tc.ItemID != "" {
		return tc.ItemID
	}
	if tc.Index >= 0 {
		return "#" + strconv.Itoa(tc.Index)
	}
	return ""
}

// Matches reports whether an incoming partial call refers to the same call,
// checked in identity order: call ID, item ID, index.
func (tc ToolCall) Matches(other ToolCall) bool {
	if other.ID != "" {
		return tc.ID == other.ID
	}
	if other.ItemID != "" {
		return tc.ItemID == other.ItemID
	}
	if other.Index >= 0 {
		return tc.Index == other.Index
	}
	return false
}

// TokenUsage accumulates token accounting across a session.
type TokenUsage struct {
	PromptTokens         int `json:"prompt_tokens"`
	CompletionTokens     int `json:"completion_tokens"`
	TotalTokens          int `json:"total_tokens"`
	ContextWindow        int `json:"context_window,omitempty"`
	CurrentContextTokens int `json:"current_context_tokens,omitempty"`
}

func (u TokenUsage) String() string {
	return fmt.Sprintf("prompt=%d completion=%d total=%d", u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}
