package agent

import (
	"strings"
	"testing"

	"github.com/strandlabs/strand/internal/sessions"
	"github.com/strandlabs/strand/pkg/models"
)

func TestUsageInt(t *testing.T) {
	raw := map[string]any{
		"f":   float64(42),
		"i":   17,
		"i64": int64(9),
		"nil": nil,
		"str": "not a number",
	}
	cases := []struct {
		keys []string
		want int
	}{
		{[]string{"f"}, 42},
		{[]string{"i"}, 17},
		{[]string{"i64"}, 9},
		{[]string{"missing"}, 0},
		{[]string{"nil", "f"}, 42},
		{[]string{"missing", "i"}, 17},
		{[]string{"str"}, 0},
		{[]string{"f", "i"}, 42},
	}
	for _, tc := range cases {
		if got := usageInt(raw, tc.keys...); got != tc.want {
			t.Errorf("usageInt(%v) = %d, want %d", tc.keys, got, tc.want)
		}
	}
}

func TestEstimateMessageTokens(t *testing.T) {
	plain := models.UserMessage(strings.Repeat("x", 40))
	if got := estimateMessageTokens(plain); got != 18 {
		t.Errorf("plain = %d, want 18", got)
	}

	withCall := models.Message{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{Name: strings.Repeat("n", 8), ArgumentsJSON: strings.Repeat("a", 16)},
		},
	}
	// 0/4+8 for the empty content, 8/4+16/4+8 for the call.
	if got := estimateMessageTokens(withCall); got != 22 {
		t.Errorf("with call = %d, want 22", got)
	}

	withThinking := models.Message{Role: models.RoleAssistant, Thinking: strings.Repeat("t", 20)}
	if got := estimateMessageTokens(withThinking); got != 13 {
		t.Errorf("with thinking = %d, want 13", got)
	}
}

func TestUsageUpdateAccumulatesBothKeyStyles(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{events: []StreamEvent{
			{Type: StreamUsage, Usage: map[string]any{"input_tokens": float64(100)}},
			{Type: StreamTextDelta, Text: "a"},
			{Type: StreamResponseDone, Usage: map[string]any{
				"prompt_tokens":     float64(100),
				"completion_tokens": float64(25),
			}},
		}},
	}}
	a, events := newTestAgent(t, provider, nil)
	if _, err := a.Prompt("go"); err != nil {
		t.Fatal(err)
	}
	drainUntil(t, events, models.EventAgentEnd)

	snap := waitIdle(t, a)
	// Two usage reports: the mid-stream input count and the final pair.
	if snap.Usage.PromptTokens != 200 || snap.Usage.CompletionTokens != 25 {
		t.Errorf("usage = %+v", snap.Usage)
	}
	if snap.Usage.TotalTokens != 225 {
		t.Errorf("total = %d", snap.Usage.TotalTokens)
	}
}

func TestOverflowDetectionIsStrict(t *testing.T) {
	// input_tokens exactly at the window is not an overflow.
	provider := &scriptedProvider{responses: []scriptedResponse{
		{events: []StreamEvent{
			{Type: StreamTextDelta, Text: "fits"},
			{Type: StreamResponseDone, Usage: map[string]any{"input_tokens": float64(100)}},
		}},
	}}
	a, events := newTestAgent(t, provider, func(cfg *Config) {
		cfg.Options.ContextWindow = 100
	})
	if _, err := a.Prompt("go"); err != nil {
		t.Fatal(err)
	}
	got := drainUntil(t, events, models.EventAgentEnd, models.EventError)
	if got[len(got)-1].Type != models.EventAgentEnd {
		t.Errorf("boundary usage treated as overflow: %v", eventTypes(got))
	}
}

func sessionWithHistory(t *testing.T, n int) *sessions.MemorySession {
	t.Helper()
	session := sessions.NewMemorySession("overflow-test", nil)
	for i := 0; i < n; i++ {
		if err := session.Append(models.UserMessage("earlier message")); err != nil {
			t.Fatal(err)
		}
	}
	return session
}

func TestOverflowRecoveryCompactsAndResumes(t *testing.T) {
	session := sessionWithHistory(t, 20)
	provider := &scriptedProvider{responses: []scriptedResponse{
		// First response reports an overflowing prompt.
		{events: []StreamEvent{
			{Type: StreamTextDelta, Text: "truncated"},
			{Type: StreamResponseDone, Usage: map[string]any{"input_tokens": float64(5000)}},
		}},
		textResponse("after recovery", nil),
	}}
	a, events := newTestAgent(t, provider, func(cfg *Config) {
		cfg.SessionID = "overflow-test"
		cfg.Session = session
		cfg.Options.ContextWindow = 4000
		// Keep the proactive check quiet so only overflow recovery runs.
		cfg.Options.CompactThreshold = 0.99
	})

	if _, err := a.Prompt("go"); err != nil {
		t.Fatal(err)
	}
	got := drainUntil(t, events, models.EventAgentEnd, models.EventError)
	if got[len(got)-1].Type != models.EventAgentEnd {
		t.Fatalf("run failed: %v", eventTypes(got))
	}

	var start *models.CompactionEventPayload
	for _, ev := range got {
		if ev.Type == models.EventCompactionStart {
			start = ev.Compaction
		}
	}
	if start == nil || !start.Overflow {
		t.Errorf("compaction_start = %+v", start)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}
