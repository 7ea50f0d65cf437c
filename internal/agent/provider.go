package agent

import (
	"context"
	"io"
	"net/http"

	"github.com/strandlabs/strand/pkg/models"
)

// Provider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of each API (Anthropic, OpenAI, ...)
// while presenting one of two streaming shapes to the agent: a channel of
// already-normalised events, or a raw SSE response whose body the agent's
// stream parser frames and feeds back through ParseStreamEvent.
//
// Implementations must be safe for concurrent use; the agent may hold a
// provider across many turns and sessions.
type Provider interface {
	// Name returns the provider name, used for logging and metrics labels.
	Name() string

	// Stream opens a streaming completion. The call blocks only until the
	// request is accepted (headers received or the event goroutine started);
	// body I/O proceeds in a separate goroutine. Exactly one of the returned
	// stream's Events/SSE fields is set.
	Stream(ctx context.Context, model string, messages []models.Message, tools []ToolDefinition) (*ProviderStream, error)

	// ParseStreamEvent decodes one raw JSON stream payload into zero or more
	// normalised events, in the order the provider produced them. Unknown
	// payloads decode to nil, not an error.
	ParseStreamEvent(data []byte) []StreamEvent

	// ConvertMessages renders the transcript into the provider's native
	// message shape. Exposed for inspection and testing.
	ConvertMessages(model string, messages []models.Message) (any, error)

	// ConvertTools renders tool definitions into the provider's native
	// tool schema.
	ConvertTools(tools []ToolDefinition) (any, error)
}

// ProviderStream is the result of Provider.Stream. Exactly one field is set.
type ProviderStream struct {
	// Events is a native event-stream handle.
	Events *EventStream

	// SSE is a raw Server-Sent-Events response handle.
	SSE *SSEStream
}

// Cancel tears down whichever handle is present. Safe to call more than once.
func (s *ProviderStream) Cancel() {
	if s == nil {
		return
	}
	if s.Events != nil && s.Events.Cancel != nil {
		s.Events.Cancel()
	}
	if s.SSE != nil && s.SSE.Cancel != nil {
		s.SSE.Cancel()
	}
}

// EventStream delivers normalised events produced by the provider itself.
// The channel is closed when the stream ends; a StreamDone event precedes
// the close on success.
type EventStream struct {
	Events <-chan StreamEvent
	Cancel func()
}

// SSEStream is a raw SSE response. The agent owns Body and closes it when
// the stream completes or is cancelled.
type SSEStream struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Cancel func()
}

// StreamEventType discriminates normalised stream events.
type StreamEventType string

const (
	StreamTextStart     StreamEventType = "text_start"
	StreamTextDelta     StreamEventType = "text_delta"
	StreamTextDone      StreamEventType = "text_done"
	StreamThinkingStart StreamEventType = "thinking_start"
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamToolCallStart StreamEventType = "tool_call_start"
	StreamToolCallDelta StreamEventType = "tool_call_delta"
	StreamToolCallDone  StreamEventType = "tool_call_done"
	StreamUsage         StreamEventType = "usage"
	StreamResponseDone  StreamEventType = "response_done"
	StreamError         StreamEventType = "error"
	StreamDone          StreamEventType = "done"
)

// StreamEvent is one normalised event folded into agent state.
//
// Field usage by type:
//   - text_delta / text_done / thinking_delta: Text
//   - tool_call_start / tool_call_done: ToolCall (partial form; Index is -1
//     when the provider supplied no call index)
//   - tool_call_delta: Delta plus the identifier fields of ToolCall when the
//     provider supplies them (nil ToolCall means the legacy last-call form)
//   - usage / response_done: Usage (may be nil on response_done)
//   - error: Err
type StreamEvent struct {
	Type     StreamEventType
	Text     string
	ToolCall *models.ToolCall
	Delta    string
	Usage    map[string]any
	Err      string
}

// ToolDefinition is the provider-facing description of a registered tool.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      []byte // JSON Schema object
}
