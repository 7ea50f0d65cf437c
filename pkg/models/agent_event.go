// Package models provides domain types shared across the Strand agent runtime.
package models

import (
	"time"
)

// AgentEvent is the unified event model broadcast to UI and RPC subscribers.
//
// Design principles:
//   - Single Type discriminator with optional payload pointers
//   - Forward-compatible: add fields, don't rename or remove
//   - Exactly one payload group is populated for a given Type
type AgentEvent struct {
	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event was emitted.
	Time time.Time `json:"time"`

	// SessionID identifies the agent session the event belongs to.
	SessionID string `json:"session_id,omitempty"`

	// Delta carries streamed text for message_delta and thinking_delta.
	Delta string `json:"delta,omitempty"`

	// Text carries plain string payloads: queued/applied steering text,
	// status updates, generated titles, and error reasons.
	Text string `json:"text,omitempty"`

	// Request carries request_start details.
	Request *RequestEventPayload `json:"request,omitempty"`

	// Tool carries tool execution lifecycle details.
	Tool *ToolEventPayload `json:"tool,omitempty"`

	// Usage carries the usage_update delta.
	Usage map[string]int `json:"usage,omitempty"`

	// Retry carries retry scheduling details.
	Retry *RetryEventPayload `json:"retry,omitempty"`

	// Compaction carries compaction_start/compaction_end details.
	Compaction *CompactionEventPayload `json:"compaction,omitempty"`

	// StalledSeconds is the elapsed time for stream_stalled.
	StalledSeconds int `json:"stalled_seconds,omitempty"`

	// Final carries the agent_end payload.
	Final *FinalEventPayload `json:"final,omitempty"`

	// Assistant is the completed assistant message for turn_end.
	Assistant *Message `json:"assistant,omitempty"`

	// Files lists discovered context file paths for context_discovered.
	Files []string `json:"files,omitempty"`

	// Skill carries skill_loaded details.
	Skill *SkillEventPayload `json:"skill,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Agent lifecycle
	EventAgentStart     AgentEventType = "agent_start"
	EventAgentEnd       AgentEventType = "agent_end"
	EventAgentAbort     AgentEventType = "agent_abort"
	EventAgentRecovered AgentEventType = "agent_recovered"

	// Provider request lifecycle
	EventRequestStart AgentEventType = "request_start"
	EventRequestEnd   AgentEventType = "request_end"

	// Assistant message streaming
	EventMessageStart  AgentEventType = "message_start"
	EventMessageDelta  AgentEventType = "message_delta"
	EventThinkingStart AgentEventType = "thinking_start"
	EventThinkingDelta AgentEventType = "thinking_delta"

	// Steering
	EventMessageQueued  AgentEventType = "message_queued"
	EventMessageApplied AgentEventType = "message_applied"

	// Tool execution
	EventToolExecutionStart AgentEventType = "tool_execution_start"
	EventToolExecutionEnd   AgentEventType = "tool_execution_end"
	EventToolOutput         AgentEventType = "tool_output"

	// Inline metadata extracted from the model's text
	EventStatusUpdate   AgentEventType = "status_update"
	EventTitleGenerated AgentEventType = "title_generated"

	// Usage and stream health
	EventUsageUpdate   AgentEventType = "usage_update"
	EventStreamStalled AgentEventType = "stream_stalled"

	// Discovery
	EventContextDiscovered AgentEventType = "context_discovered"
	EventSkillLoaded       AgentEventType = "skill_loaded"

	// Compaction
	EventCompactionStart AgentEventType = "compaction_start"
	EventCompactionEnd   AgentEventType = "compaction_end"

	// Failure handling
	EventRetry   AgentEventType = "retry"
	EventTurnEnd AgentEventType = "turn_end"
	EventError   AgentEventType = "error"
)

// RequestEventPayload describes a provider request about to be issued.
type RequestEventPayload struct {
	Model        string `json:"model"`
	MessageCount int    `json:"message_count"`
}

// ToolEventPayload describes a tool execution lifecycle event.
type ToolEventPayload struct {
	Name      string         `json:"name"`
	CallID    string         `json:"call_id"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Chunk     string         `json:"chunk,omitempty"`
}

// RetryEventPayload describes a scheduled retry.
type RetryEventPayload struct {
	Attempt int    `json:"attempt"`
	DelayMS int64  `json:"delay_ms"`
	Reason  string `json:"reason"`
}

// CompactionEventPayload describes a compaction run. For compaction_start,
// MessageCount holds the pre-compaction count and Overflow marks an
// overflow-triggered compaction. For compaction_end, Before and After hold
// the message counts around the bulk replace.
type CompactionEventPayload struct {
	MessageCount int  `json:"message_count,omitempty"`
	Overflow     bool `json:"overflow,omitempty"`
	Before       int  `json:"before,omitempty"`
	After        int  `json:"after,omitempty"`
}

// FinalEventPayload is the agent_end payload: the full chronological
// transcript and the accumulated usage.
type FinalEventPayload struct {
	Messages []Message  `json:"messages"`
	Usage    TokenUsage `json:"usage"`
}

// SkillEventPayload describes a loaded skill.
type SkillEventPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
