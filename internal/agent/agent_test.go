package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/strandlabs/strand/internal/sessions"
	"github.com/strandlabs/strand/pkg/models"
)

// scriptedProvider replays a fixed sequence of responses, one per Stream
// call. A response is either an error (the call fails) or a list of events
// delivered through a native event stream.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
	lastMsgs  []models.Message
	lastTools []ToolDefinition
}

type scriptedResponse struct {
	err    error
	events []StreamEvent
	// hold, when set, is closed by the test to release the remaining
	// events after the first holdAt events have been sent.
	hold   chan struct{}
	holdAt int
}

func textResponse(text string, usage map[string]any) scriptedResponse {
	return scriptedResponse{events: []StreamEvent{
		{Type: StreamTextDelta, Text: text},
		{Type: StreamResponseDone, Usage: usage},
	}}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, model string, messages []models.Message, tools []ToolDefinition) (*ProviderStream, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.lastMsgs = messages
	p.lastTools = tools
	if call >= len(p.responses) {
		p.mu.Unlock()
		return nil, errors.New("scripted provider exhausted")
	}
	resp := p.responses[call]
	p.mu.Unlock()

	if resp.err != nil {
		return nil, resp.err
	}

	ch := make(chan StreamEvent, len(resp.events))
	go func() {
		defer close(ch)
		for i, ev := range resp.events {
			if resp.hold != nil && i == resp.holdAt {
				<-resp.hold
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &ProviderStream{Events: &EventStream{Events: ch, Cancel: func() {}}}, nil
}

func (p *scriptedProvider) ParseStreamEvent(data []byte) []StreamEvent { return nil }

func (p *scriptedProvider) ConvertMessages(model string, messages []models.Message) (any, error) {
	return messages, nil
}

func (p *scriptedProvider) ConvertTools(tools []ToolDefinition) (any, error) {
	return tools, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestAgent(t *testing.T, provider Provider, mutate func(*Config)) (*Agent, <-chan models.AgentEvent) {
	t.Helper()
	opts := DefaultOptions()
	opts.Model = "test-model"
	opts.BaseRetryDelay = 50 * time.Millisecond
	opts.MaxRetryDelay = 200 * time.Millisecond
	opts.MaxRetries = 5

	cfg := Config{
		SessionID: "test-session",
		Provider:  provider,
		Broker:    NewBroker(),
		Options:   opts,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	events, cancel := a.Subscribe()
	t.Cleanup(cancel)
	return a, events
}

// drainUntil collects events until one of the terminal types arrives.
func drainUntil(t *testing.T, events <-chan models.AgentEvent, terminal ...models.AgentEventType) []models.AgentEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var got []models.AgentEvent
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			for _, term := range terminal {
				if ev.Type == term {
					return got
				}
			}
		case <-deadline:
			t.Fatalf("timed out; events so far: %v", eventTypes(got))
		}
	}
}

func eventTypes(events []models.AgentEvent) []models.AgentEventType {
	out := make([]models.AgentEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func countType(events []models.AgentEvent, typ models.AgentEventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func waitIdle(t *testing.T, a *Agent) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := a.State()
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if snap.Status == statusIdle {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("agent never went idle")
	return Snapshot{}
}

func TestHappyPathText(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{{
		events: []StreamEvent{
			{Type: StreamTextDelta, Text: "Hi "},
			{Type: StreamTextDelta, Text: "there"},
			{Type: StreamResponseDone, Usage: map[string]any{"input_tokens": 10, "output_tokens": 5}},
		},
	}}}
	a, events := newTestAgent(t, provider, nil)

	queued, err := a.Prompt("Hello")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if queued {
		t.Error("prompt on idle agent should not queue")
	}

	got := drainUntil(t, events, models.EventAgentEnd)
	want := []models.AgentEventType{
		models.EventAgentStart,
		models.EventRequestStart,
		models.EventRequestEnd,
		models.EventMessageStart,
		models.EventMessageDelta,
		models.EventMessageDelta,
		models.EventUsageUpdate,
		models.EventTurnEnd,
		models.EventAgentEnd,
	}
	gotTypes := eventTypes(got)
	if len(gotTypes) != len(want) {
		t.Fatalf("events = %v, want %v", gotTypes, want)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v (all: %v)", i, gotTypes[i], want[i], gotTypes)
		}
	}

	final := got[len(got)-1].Final
	if final == nil || len(final.Messages) != 2 {
		t.Fatalf("final payload = %+v", final)
	}
	if final.Messages[0].Content != "Hello" || final.Messages[1].Content != "Hi there" {
		t.Errorf("final messages = %+v", final.Messages)
	}

	snap := waitIdle(t, a)
	if snap.Usage.PromptTokens != 10 || snap.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v", snap.Usage)
	}
	if snap.RetryCount != 0 {
		t.Errorf("retry count = %d", snap.RetryCount)
	}
}

func TestStatusTagSpanningChunks(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{{
		events: []StreamEvent{
			{Type: StreamTextDelta, Text: "Hello<sta"},
			{Type: StreamTextDelta, Text: "tus>Reading files</status>world"},
			{Type: StreamResponseDone},
		},
	}}}
	a, events := newTestAgent(t, provider, nil)

	if _, err := a.Prompt("go"); err != nil {
		t.Fatal(err)
	}
	got := drainUntil(t, events, models.EventAgentEnd)

	var deltas string
	var statuses []string
	for _, ev := range got {
		switch ev.Type {
		case models.EventMessageDelta:
			deltas += ev.Delta
		case models.EventStatusUpdate:
			statuses = append(statuses, ev.Text)
		}
	}
	if deltas != "Helloworld" {
		t.Errorf("concatenated deltas = %q, want Helloworld", deltas)
	}
	if len(statuses) != 1 || statuses[0] != "Reading files" {
		t.Errorf("status updates = %v", statuses)
	}

	snap := waitIdle(t, a)
	if snap.Messages[len(snap.Messages)-1].Content != "Helloworld" {
		t.Errorf("assistant content = %q", snap.Messages[len(snap.Messages)-1].Content)
	}
}

func TestParallelToolCallsMatchedByIdentifier(t *testing.T) {
	registry := NewToolRegistry()
	for _, name := range []string{"tool_a", "tool_b"} {
		if err := registry.Register(&stubTool{name: name, result: &ToolResult{Output: "ok"}}); err != nil {
			t.Fatal(err)
		}
	}

	provider := &scriptedProvider{responses: []scriptedResponse{
		{events: []StreamEvent{
			{Type: StreamToolCallStart, ToolCall: &models.ToolCall{ID: "call_a", Name: "tool_a", Index: 0}},
			{Type: StreamToolCallStart, ToolCall: &models.ToolCall{ID: "call_b", Name: "tool_b", Index: 1}},
			// Interleaved argument deltas routed by call id.
			{Type: StreamToolCallDelta, Delta: `{"v":"A0`, ToolCall: &models.ToolCall{ID: "call_a"}},
			{Type: StreamToolCallDelta, Delta: `{"v":"B0`, ToolCall: &models.ToolCall{ID: "call_b"}},
			{Type: StreamToolCallDelta, Delta: `A1"}`, ToolCall: &models.ToolCall{ID: "call_a"}},
			{Type: StreamToolCallDelta, Delta: `B1"}`, ToolCall: &models.ToolCall{ID: "call_b"}},
			{Type: StreamToolCallDone, ToolCall: &models.ToolCall{ID: "call_b"}},
			{Type: StreamToolCallDone, ToolCall: &models.ToolCall{ID: "call_a"}},
			{Type: StreamResponseDone},
		}},
		textResponse("done", nil),
	}}
	a, events := newTestAgent(t, provider, func(cfg *Config) { cfg.Registry = registry })

	if _, err := a.Prompt("run tools"); err != nil {
		t.Fatal(err)
	}
	drainUntil(t, events, models.EventAgentEnd)
	snap := waitIdle(t, a)

	var assistant *models.Message
	for i := range snap.Messages {
		if len(snap.Messages[i].ToolCalls) > 0 {
			assistant = &snap.Messages[i]
			break
		}
	}
	if assistant == nil {
		t.Fatalf("no assistant with tool calls in %+v", snap.Messages)
	}
	if len(assistant.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", assistant.ToolCalls)
	}
	if assistant.ToolCalls[0].ID != "call_a" || assistant.ToolCalls[0].Arguments["v"] != "A0A1" {
		t.Errorf("call_a = %+v", assistant.ToolCalls[0])
	}
	if assistant.ToolCalls[1].ID != "call_b" || assistant.ToolCalls[1].Arguments["v"] != "B0B1" {
		t.Errorf("call_b = %+v", assistant.ToolCalls[1])
	}
}

func TestGetContextRepairsDeepOrphan(t *testing.T) {
	provider := &scriptedProvider{}
	a, _ := newTestAgent(t, provider, nil)

	history := []models.Message{
		models.UserMessage("turn 1"),
		assistantWithCalls("", "orphan1", "ok1"),
		models.ToolResultMessage("ok1", "r1", false),
		models.UserMessage("turn 2"),
		assistantWithCalls("", "ok2"),
		models.ToolResultMessage("ok2", "r2", false),
	}
	if err := a.SyncMessages(history); err != nil {
		t.Fatal(err)
	}

	ctx, err := a.Context()
	if err != nil {
		t.Fatal(err)
	}

	// The synthetic result for orphan1 sits between the first assistant and
	// the ok1 result.
	var idx1, idxSynth, idxOK1 = -1, -1, -1
	for i, msg := range ctx {
		switch {
		case msg.Role == models.RoleAssistant && len(msg.ToolCalls) == 2:
			idx1 = i
		case msg.ToolCallID == "orphan1":
			idxSynth = i
			if msg.Content != missingResultText || !msg.IsError {
				t.Errorf("synthetic = %+v", msg)
			}
		case msg.ToolCallID == "ok1":
			idxOK1 = i
		}
	}
	if idx1 == -1 || idxSynth != idx1+1 || idxOK1 != idx1+2 {
		t.Errorf("positions assistant=%d synthetic=%d ok1=%d: %+v", idx1, idxSynth, idxOK1, ctx)
	}
}

func TestTransientRetryThenSuccess(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{err: errors.New("429 Too Many Requests")},
		{err: errors.New("429 Too Many Requests")},
		textResponse("finally", nil),
	}}
	a, events := newTestAgent(t, provider, nil)

	if _, err := a.Prompt("go"); err != nil {
		t.Fatal(err)
	}
	got := drainUntil(t, events, models.EventAgentEnd, models.EventError)

	var retries []*models.RetryEventPayload
	for _, ev := range got {
		if ev.Type == models.EventRetry {
			retries = append(retries, ev.Retry)
		}
	}
	if len(retries) != 2 {
		t.Fatalf("retries = %v (events %v)", retries, eventTypes(got))
	}
	if retries[0].Attempt != 1 || retries[0].DelayMS != 50 {
		t.Errorf("retry 1 = %+v", retries[0])
	}
	if retries[1].Attempt != 2 || retries[1].DelayMS != 100 {
		t.Errorf("retry 2 = %+v", retries[1])
	}
	if got[len(got)-1].Type != models.EventAgentEnd {
		t.Fatalf("run did not complete: %v", eventTypes(got))
	}

	snap := waitIdle(t, a)
	if snap.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", snap.RetryCount)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{err: errors.New("context_length_exceeded")},
	}}
	a, events := newTestAgent(t, provider, nil) // no session: overflow cannot compact

	if _, err := a.Prompt("go"); err != nil {
		t.Fatal(err)
	}
	got := drainUntil(t, events, models.EventError)

	if countType(got, models.EventRetry) != 0 {
		t.Errorf("unexpected retry events: %v", eventTypes(got))
	}
	snap := waitIdle(t, a)
	if snap.Status != statusIdle {
		t.Errorf("status = %v", snap.Status)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider called %d times", provider.callCount())
	}
}

func TestMidStreamErrorGoesIdleWithoutRetry(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{{
		events: []StreamEvent{
			{Type: StreamTextDelta, Text: "partial"},
			{Type: StreamError, Err: "server exploded"},
		},
	}}}
	a, events := newTestAgent(t, provider, nil)

	if _, err := a.Prompt("go"); err != nil {
		t.Fatal(err)
	}
	got := drainUntil(t, events, models.EventError)
	if countType(got, models.EventRetry) != 0 {
		t.Error("mid-stream errors must not be retried")
	}
	snap := waitIdle(t, a)
	// The partial output is discarded: no assistant message appended.
	for _, msg := range snap.Messages {
		if msg.Role == models.RoleAssistant {
			t.Errorf("partial assistant message survived: %+v", msg)
		}
	}
}

func TestSteeringQueuedAndApplied(t *testing.T) {
	hold := make(chan struct{})
	provider := &scriptedProvider{responses: []scriptedResponse{
		{
			events: []StreamEvent{
				{Type: StreamTextDelta, Text: "first"},
				{Type: StreamResponseDone},
			},
			hold:   hold,
			holdAt: 1,
		},
		textResponse("second", nil),
	}}
	a, events := newTestAgent(t, provider, nil)

	if _, err := a.Prompt("start"); err != nil {
		t.Fatal(err)
	}
	// Wait until streaming has begun, then steer.
	drainUntil(t, events, models.EventMessageDelta)

	queued, err := a.Prompt("steer me")
	if err != nil {
		t.Fatal(err)
	}
	if !queued {
		t.Error("prompt during a turn should queue")
	}
	close(hold)

	got := drainUntil(t, events, models.EventAgentEnd)
	if countType(got, models.EventMessageQueued) != 1 {
		t.Errorf("message_queued count: %v", eventTypes(got))
	}
	if countType(got, models.EventMessageApplied) != 1 {
		t.Errorf("message_applied count: %v", eventTypes(got))
	}

	snap := waitIdle(t, a)
	if len(snap.PendingMessages) != 0 {
		t.Errorf("pending = %v", snap.PendingMessages)
	}
	var contents []string
	for _, msg := range snap.Messages {
		if msg.Role == models.RoleUser {
			contents = append(contents, msg.Content)
		}
	}
	if len(contents) != 2 || contents[1] != "steer me" {
		t.Errorf("user messages = %v", contents)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestAbortDuringStream(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	provider := &scriptedProvider{responses: []scriptedResponse{{
		events: []StreamEvent{
			{Type: StreamTextDelta, Text: "going"},
			{Type: StreamResponseDone},
		},
		hold:   hold,
		holdAt: 1,
	}}}
	a, events := newTestAgent(t, provider, nil)

	if _, err := a.Prompt("start"); err != nil {
		t.Fatal(err)
	}
	drainUntil(t, events, models.EventMessageDelta)

	if err := a.Abort(); err != nil {
		t.Fatal(err)
	}
	got := drainUntil(t, events, models.EventAgentAbort)
	if got[len(got)-1].Type != models.EventAgentAbort {
		t.Fatalf("events = %v", eventTypes(got))
	}

	snap := waitIdle(t, a)
	if snap.Status != statusIdle || snap.RetryCount != 0 {
		t.Errorf("snapshot = %+v", snap)
	}

	// Abort is idempotent.
	if err := a.Abort(); err != nil {
		t.Fatal(err)
	}
}

func TestAbortRepairsOrphanedToolCalls(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	registry := NewToolRegistry()
	err := registry.Register(&stubTool{
		name: "slow",
		fn: func(ctx context.Context, args map[string]any, tc *ToolContext) (*ToolResult, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &ToolResult{Output: "late"}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer close(release)

	provider := &scriptedProvider{responses: []scriptedResponse{{
		events: []StreamEvent{
			{Type: StreamToolCallStart, ToolCall: &models.ToolCall{ID: "c1", Name: "slow", Index: 0}},
			{Type: StreamToolCallDone, ToolCall: &models.ToolCall{ID: "c1", Arguments: map[string]any{}}},
			{Type: StreamResponseDone},
		},
	}}}
	a, events := newTestAgent(t, provider, func(cfg *Config) { cfg.Registry = registry })

	if _, err := a.Prompt("start"); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := a.Abort(); err != nil {
		t.Fatal(err)
	}
	drainUntil(t, events, models.EventAgentAbort)

	snap := waitIdle(t, a)
	var repaired bool
	for _, msg := range snap.Messages {
		if msg.Role == models.RoleToolResult && msg.ToolCallID == "c1" {
			repaired = true
			if msg.Content != abortedResultText || !msg.IsError {
				t.Errorf("synthetic = %+v", msg)
			}
		}
	}
	if !repaired {
		t.Errorf("no synthetic result for aborted call: %+v", snap.Messages)
	}
}

func TestRetryTimerAfterAbortIsDiscarded(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{err: errors.New("429 Too Many Requests")},
		textResponse("should never run", nil),
	}}
	// A long backoff leaves room to abort before the timer fires.
	a, events := newTestAgent(t, provider, func(cfg *Config) {
		cfg.Options.BaseRetryDelay = 300 * time.Millisecond
		cfg.Options.MaxRetryDelay = 300 * time.Millisecond
	})

	if _, err := a.Prompt("go"); err != nil {
		t.Fatal(err)
	}
	drainUntil(t, events, models.EventRetry)

	if err := a.Abort(); err != nil {
		t.Fatal(err)
	}
	drainUntil(t, events, models.EventAgentAbort)

	// Give the retry timer time to fire; it must find the agent idle.
	time.Sleep(400 * time.Millisecond)
	snap := waitIdle(t, a)
	if snap.Status != statusIdle {
		t.Errorf("status = %v", snap.Status)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider called %d times after abort", provider.callCount())
	}
}

func TestProactiveCompaction(t *testing.T) {
	session := sessions.NewMemorySession("compact-me", nil)
	for i := 0; i < 40; i++ {
		if err := session.Append(models.UserMessage("some earlier conversation text")); err != nil {
			t.Fatal(err)
		}
	}

	provider := &scriptedProvider{responses: []scriptedResponse{
		textResponse("hello", nil),
	}}
	a, events := newTestAgent(t, provider, func(cfg *Config) {
		cfg.SessionID = "compact-me"
		cfg.Session = session
		cfg.Options.ContextWindow = 100 // estimate for 40 messages far exceeds 80%
	})

	if _, err := a.Prompt("go"); err != nil {
		t.Fatal(err)
	}
	got := drainUntil(t, events, models.EventAgentEnd)

	if countType(got, models.EventCompactionStart) != 1 || countType(got, models.EventCompactionEnd) != 1 {
		t.Fatalf("compaction events missing: %v", eventTypes(got))
	}
	snap := waitIdle(t, a)
	if len(snap.Messages) >= 40 {
		t.Errorf("transcript not compacted: %d messages", len(snap.Messages))
	}
}

func TestOverflowWithoutSessionSurfacesError(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{{
		events: []StreamEvent{
			{Type: StreamUsage, Usage: map[string]any{"input_tokens": 500}},
			{Type: StreamTextDelta, Text: "x"},
			{Type: StreamResponseDone},
		},
	}}}
	a, events := newTestAgent(t, provider, func(cfg *Config) {
		cfg.Options.ContextWindow = 100
	})

	if _, err := a.Prompt("go"); err != nil {
		t.Fatal(err)
	}
	got := drainUntil(t, events, models.EventError)
	last := got[len(got)-1]
	if last.Text != "overflow_no_session" {
		t.Errorf("error = %q", last.Text)
	}
	waitIdle(t, a)
}

func TestConfigureAppliesPatch(t *testing.T) {
	provider := &scriptedProvider{}
	a, _ := newTestAgent(t, provider, nil)

	model := "other-model"
	retries := 7
	if err := a.Configure(ConfigPatch{Model: &model, MaxRetries: &retries}); err != nil {
		t.Fatal(err)
	}
	snap, err := a.State()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Model != "other-model" {
		t.Errorf("model = %q", snap.Model)
	}
}

func TestPromptAfterCloseFails(t *testing.T) {
	provider := &scriptedProvider{}
	a, _ := newTestAgent(t, provider, nil)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Prompt("hello"); !errors.Is(err, ErrAgentClosed) {
		t.Errorf("err = %v, want ErrAgentClosed", err)
	}
}
