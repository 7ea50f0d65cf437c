package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/strandlabs/strand/internal/agent"
	"github.com/strandlabs/strand/pkg/models"
)

// OpenAIProvider streams chat completions over raw SSE from an
// OpenAI-compatible endpoint. The agent's stream parser frames the body;
// each data payload is decoded here through ParseStreamEvent.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the endpoint, for Azure, proxies, and local
	// compatible servers. Defaults to https://api.openai.com/v1.
	BaseURL string

	// HTTPClient overrides the transport. The default has no overall
	// timeout; streams are bounded by the agent's watchdog and abort.
	HTTPClient *http.Client
}

// NewOpenAIProvider creates a provider from the config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	return &OpenAIProvider{apiKey: cfg.APIKey, baseURL: cfg.BaseURL, client: client}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Stream issues the chat-completions request and hands the raw SSE body to
// the caller. Only request setup happens here; body I/O is the agent's.
func (p *OpenAIProvider) Stream(ctx context.Context, model string, messages []models.Message, tools []agent.ToolDefinition) (*agent.ProviderStream, error) {
	converted, err := p.ConvertMessages(model, messages)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:    model,
		Messages: converted.([]openai.ChatCompletionMessage),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if len(tools) > 0 {
		convertedTools, err := p.ConvertTools(tools)
		if err != nil {
			return nil, err
		}
		request.Tools = convertedTools.([]openai.Tool)
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, apiErrorReason(data))
	}

	return &agent.ProviderStream{
		SSE: &agent.SSEStream{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   resp.Body,
			Cancel: cancel,
		},
	}, nil
}

// apiErrorReason pulls the error message out of an OpenAI error body so the
// retry classifier sees the API's own wording alongside the status code.
func apiErrorReason(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return string(body)
}

// ParseStreamEvent decodes one chat-completions chunk. Malformed payloads
// yield no events.
func (p *OpenAIProvider) ParseStreamEvent(data []byte) []agent.StreamEvent {
	// Error payloads can arrive mid-stream without the data: prefix.
	var errPayload struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errPayload); err == nil && errPayload.Error != nil {
		return []agent.StreamEvent{{Type: agent.StreamError, Err: errPayload.Error.Message}}
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil
	}

	var events []agent.StreamEvent

	if chunk.Usage != nil {
		events = append(events, agent.StreamEvent{
			Type: agent.StreamUsage,
			Usage: map[string]any{
				"prompt_tokens":     chunk.Usage.PromptTokens,
				"completion_tokens": chunk.Usage.CompletionTokens,
			},
		})
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			events = append(events, agent.StreamEvent{Type: agent.StreamTextDelta, Text: choice.Delta.Content})
		}

		for _, call := range choice.Delta.ToolCalls {
			index := -1
			if call.Index != nil {
				index = *call.Index
			}
			if call.ID != "" || call.Function.Name != "" {
				events = append(events, agent.StreamEvent{
					Type: agent.StreamToolCallStart,
					ToolCall: &models.ToolCall{
						ID:    call.ID,
						Name:  call.Function.Name,
						Index: index,
					},
				})
			}
			if call.Function.Arguments != "" {
				ev := agent.StreamEvent{
					Type:  agent.StreamToolCallDelta,
					Delta: call.Function.Arguments,
				}
				// Without any identifier the delta targets the last open
				// call (legacy form).
				if call.ID != "" || index >= 0 {
					ev.ToolCall = &models.ToolCall{ID: call.ID, Index: index}
				}
				events = append(events, ev)
			}
		}

		// finish_reason is not terminal here: with include_usage set the
		// usage chunk arrives after it. The [DONE] sentinel ends the stream.
	}

	return events
}

// ConvertMessages renders the transcript into chat-completions messages.
func (p *OpenAIProvider) ConvertMessages(model string, messages []models.Message) (any, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				args := call.ArgumentsJSON
				if args == "" {
					encoded, err := json.Marshal(call.Arguments)
					if err != nil {
						return nil, fmt.Errorf("encode arguments for %s: %w", call.Name, err)
					}
					args = string(encoded)
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, out)

		case models.RoleToolResult:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			return nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}
	return result, nil
}

// ConvertTools renders tool definitions into function-tool schemas.
func (p *OpenAIProvider) ConvertTools(tools []agent.ToolDefinition) (any, error) {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params map[string]any
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &params); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
			}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return result, nil
}

var _ agent.Provider = (*OpenAIProvider)(nil)
var _ agent.Provider = (*AnthropicProvider)(nil)
