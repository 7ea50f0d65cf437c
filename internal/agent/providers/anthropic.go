// Package providers implements model backends for the agent core.
//
// Two streaming shapes are covered: Anthropic's native event stream,
// delivered as already-normalised events, and OpenAI-compatible raw SSE,
// framed by the agent's stream parser and decoded through ParseStreamEvent.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/strandlabs/strand/internal/agent"
	"github.com/strandlabs/strand/pkg/models"
)

// defaultMaxTokens bounds a single completion when the caller does not
// configure one.
const defaultMaxTokens = 8192

// AnthropicProvider streams completions from Anthropic's Messages API.
// Each Stream call is independent; ParseStreamEvent keeps per-message block
// state and expects the payloads of one stream at a time.
type AnthropicProvider struct {
	client    anthropic.Client
	maxTokens int

	// Raw-SSE parse state: indexes of open tool_use content blocks, so a
	// content_block_stop for a text or thinking block is not mistaken for a
	// tool call completion.
	mu         sync.Mutex
	toolBlocks map[int]struct{}
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is required. Format: sk-ant-...
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string

	// MaxTokens caps each completion. Defaults to 8192.
	MaxTokens int
}

// NewAnthropicProvider creates a provider from the config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		maxTokens:  cfg.MaxTokens,
		toolBlocks: make(map[int]struct{}),
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream opens a native event stream. The SDK's SSE handling runs in a pump
// goroutine that translates API events into normalised stream events.
func (p *AnthropicProvider) Stream(ctx context.Context, model string, messages []models.Message, tools []agent.ToolDefinition) (*agent.ProviderStream, error) {
	params, err := p.buildParams(model, messages, tools)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sdkStream := p.client.Messages.NewStreaming(streamCtx, params)

	events := make(chan agent.StreamEvent, 64)
	go func() {
		defer close(events)
		defer sdkStream.Close()
		pumpAnthropicStream(sdkStream, events)
	}()

	return &agent.ProviderStream{
		Events: &agent.EventStream{Events: events, Cancel: cancel},
	}, nil
}

// sdkEventSource abstracts the SDK stream for the pump, so tests can feed
// synthetic event sequences.
type sdkEventSource interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

func pumpAnthropicStream(stream sdkEventSource, events chan<- agent.StreamEvent) {
	// Content block index to tool-call identity, for argument deltas.
	openBlocks := make(map[int64]*models.ToolCall)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				events <- agent.StreamEvent{
					Type:  agent.StreamUsage,
					Usage: map[string]any{"input_tokens": int(start.Message.Usage.InputTokens)},
				}
			}

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			switch blockStart.ContentBlock.Type {
			case "text":
				events <- agent.StreamEvent{Type: agent.StreamTextStart}
			case "thinking":
				events <- agent.StreamEvent{Type: agent.StreamThinkingStart}
			case "tool_use":
				use := blockStart.ContentBlock.AsToolUse()
				call := &models.ToolCall{
					ID:    use.ID,
					Name:  use.Name,
					Index: int(blockStart.Index),
				}
				openBlocks[blockStart.Index] = call
				events <- agent.StreamEvent{Type: agent.StreamToolCallStart, ToolCall: call}
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			delta := blockDelta.Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- agent.StreamEvent{Type: agent.StreamTextDelta, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- agent.StreamEvent{Type: agent.StreamThinkingDelta, Text: delta.Thinking}
				}
			case "input_json_delta":
				call := openBlocks[blockDelta.Index]
				if call == nil || delta.PartialJSON == "" {
					continue
				}
				events <- agent.StreamEvent{
					Type:     agent.StreamToolCallDelta,
					Delta:    delta.PartialJSON,
					ToolCall: &models.ToolCall{ID: call.ID, Index: call.Index},
				}
			}

		case "content_block_stop":
			stop := event.AsContentBlockStop()
			if call, ok := openBlocks[stop.Index]; ok {
				delete(openBlocks, stop.Index)
				events <- agent.StreamEvent{
					Type:     agent.StreamToolCallDone,
					ToolCall: &models.ToolCall{ID: call.ID, Name: call.Name, Index: call.Index},
				}
			}

		case "message_delta":
			msgDelta := event.AsMessageDelta()
			if msgDelta.Usage.OutputTokens > 0 {
				events <- agent.StreamEvent{
					Type:  agent.StreamUsage,
					Usage: map[string]any{"output_tokens": int(msgDelta.Usage.OutputTokens)},
				}
			}

		case "message_stop":
			events <- agent.StreamEvent{Type: agent.StreamResponseDone}
			return

		case "error":
			events <- agent.StreamEvent{Type: agent.StreamError, Err: "anthropic stream error"}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- agent.StreamEvent{Type: agent.StreamError, Err: err.Error()}
	}
}

// anthropicWireEvent is the raw JSON shape of one SSE payload, used when the
// agent frames the stream itself.
type anthropicWireEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseStreamEvent decodes one raw Anthropic SSE payload. Malformed JSON
// and unknown event types yield no events.
func (p *AnthropicProvider) ParseStreamEvent(data []byte) []agent.StreamEvent {
	var ev anthropicWireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "message_start":
		p.mu.Lock()
		p.toolBlocks = make(map[int]struct{})
		p.mu.Unlock()
		if ev.Message.Usage.InputTokens > 0 {
			return []agent.StreamEvent{{
				Type:  agent.StreamUsage,
				Usage: map[string]any{"input_tokens": ev.Message.Usage.InputTokens},
			}}
		}

	case "content_block_start":
		switch ev.ContentBlock.Type {
		case "text":
			return []agent.StreamEvent{{Type: agent.StreamTextStart}}
		case "thinking":
			return []agent.StreamEvent{{Type: agent.StreamThinkingStart}}
		case "tool_use":
			p.mu.Lock()
			p.toolBlocks[ev.Index] = struct{}{}
			p.mu.Unlock()
			return []agent.StreamEvent{{
				Type: agent.StreamToolCallStart,
				ToolCall: &models.ToolCall{
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
					Index: ev.Index,
				},
			}}
		}

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				return []agent.StreamEvent{{Type: agent.StreamTextDelta, Text: ev.Delta.Text}}
			}
		case "thinking_delta":
			if ev.Delta.Thinking != "" {
				return []agent.StreamEvent{{Type: agent.StreamThinkingDelta, Text: ev.Delta.Thinking}}
			}
		case "input_json_delta":
			if ev.Delta.PartialJSON != "" {
				return []agent.StreamEvent{{
					Type:     agent.StreamToolCallDelta,
					Delta:    ev.Delta.PartialJSON,
					ToolCall: &models.ToolCall{Index: ev.Index},
				}}
			}
		}

	case "content_block_stop":
		p.mu.Lock()
		_, open := p.toolBlocks[ev.Index]
		delete(p.toolBlocks, ev.Index)
		p.mu.Unlock()
		if !open {
			return nil
		}
		return []agent.StreamEvent{{
			Type:     agent.StreamToolCallDone,
			ToolCall: &models.ToolCall{Index: ev.Index},
		}}

	case "message_delta":
		if ev.Usage.OutputTokens > 0 {
			return []agent.StreamEvent{{
				Type:  agent.StreamUsage,
				Usage: map[string]any{"output_tokens": ev.Usage.OutputTokens},
			}}
		}

	case "message_stop":
		return []agent.StreamEvent{{Type: agent.StreamResponseDone}}

	case "error":
		return []agent.StreamEvent{{Type: agent.StreamError, Err: ev.Error.Message}}
	}

	return nil
}

func (p *AnthropicProvider) buildParams(model string, messages []models.Message, tools []agent.ToolDefinition) (anthropic.MessageNewParams, error) {
	converted, err := p.ConvertMessages(model, messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(p.maxTokens),
		Messages:  converted.([]anthropic.MessageParam),
	}

	if system := systemText(messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if len(tools) > 0 {
		convertedTools, err := p.ConvertTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = convertedTools.([]anthropic.ToolUnionParam)
	}
	return params, nil
}

func systemText(messages []models.Message) string {
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			return msg.Content
		}
	}
	return ""
}

// ConvertMessages renders the transcript into Anthropic message params.
// System messages are lifted out (the API takes them as a top-level field)
// and runs of tool results are grouped into a single user message.
func (p *AnthropicProvider) ConvertMessages(model string, messages []models.Message) (any, error) {
	var result []anthropic.MessageParam

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleToolResult:
			var content []anthropic.ContentBlockParamUnion
			for ; i < len(messages) && messages[i].Role == models.RoleToolResult; i++ {
				tr := messages[i]
				content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			i--
			result = append(result, anthropic.NewUserMessage(content...))

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result, nil
}

// ConvertTools renders tool definitions into Anthropic tool params.
func (p *AnthropicProvider) ConvertTools(tools []agent.ToolDefinition) (any, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
