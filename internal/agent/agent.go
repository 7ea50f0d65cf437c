// Package agent implements the per-session agent core: a state machine that
// owns the conversation, streams model output, runs tools concurrently, and
// repairs the transcript so the provider always sees a valid tool-call
// protocol.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/sessions"
	"github.com/strandlabs/strand/pkg/models"
)

// Status is the agent lifecycle state.
type Status string

const (
	statusIdle           Status = "idle"
	statusRunning        Status = "running"
	statusStreaming      Status = "streaming"
	statusExecutingTools Status = "executing_tools"
)

// Config assembles an agent's collaborators.
type Config struct {
	SessionID string
	Provider  Provider
	Session   sessions.Session // optional
	Registry  *ToolRegistry    // optional, empty registry when nil
	Broker    *Broker          // optional, process default when nil
	Metrics   *observability.Metrics
	Tracer    trace.Tracer
	Options   Options

	// Skills is the pool of loadable skills (name to description). The
	// skill-loading tool is only exposed when this is non-empty.
	Skills map[string]string
}

// Agent is a single-session agent instance. All state is owned by one event
// loop goroutine; exported methods post operations into that loop and are
// safe for concurrent use.
type Agent struct {
	id       string
	provider Provider
	session  sessions.Session
	registry *ToolRegistry
	broker   *Broker
	metrics  *observability.Metrics
	tracer   trace.Tracer
	opts     Options

	ops       chan func()
	closed    chan struct{}
	closeOnce sync.Once

	// Everything below is loop-owned.
	status   Status
	messages []models.Message // newest first
	pending  []string         // steering queue
	model    string

	turnSeq         uint64
	retryCount      int
	overflowRetried bool

	accum        *turnAccum
	streamHandle *ProviderStream
	watchdogStop chan struct{}
	lastChunkAt  time.Time
	turnSpan     trace.Span

	usage usageState

	pendingTools map[string]struct{}
	toolOrder    []models.ToolCall
	toolResults  []toolOutcome
	toolCancel   context.CancelFunc

	skillPool map[string]string // available
	skills    map[string]string // loaded
}

// New creates an agent and starts its event loop. Prior history, if the
// session backend has any, is recovered into the conversation.
func New(cfg Config) (*Agent, error) {
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.SessionID == "" {
		if cfg.Session != nil {
			if id, ok := cfg.Session.CurrentID(); ok {
				cfg.SessionID = id
			}
		}
		if cfg.SessionID == "" {
			return nil, fmt.Errorf("session id required")
		}
	}
	if cfg.Registry == nil {
		cfg.Registry = NewToolRegistry()
	}
	if cfg.Broker == nil {
		cfg.Broker = DefaultBroker()
	}
	cfg.Options.sanitize()

	a := &Agent{
		id:        cfg.SessionID,
		provider:  cfg.Provider,
		session:   cfg.Session,
		registry:  cfg.Registry,
		broker:    cfg.Broker,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		opts:      cfg.Options,
		model:     cfg.Options.Model,
		ops:       make(chan func(), 256),
		closed:    make(chan struct{}),
		status:    statusIdle,
		accum:     newTurnAccum(),
		skillPool: cfg.Skills,
		skills:    make(map[string]string),
	}

	recovered := false
	if a.session != nil {
		history, err := a.session.Path()
		if err != nil {
			return nil, fmt.Errorf("recover session history: %w", err)
		}
		if len(history) > 0 {
			a.setMessages(history)
			recovered = true
		}
	}

	go a.loop()

	if recovered {
		a.post(func() {
			a.emit(models.AgentEvent{Type: models.EventAgentRecovered})
		})
	}
	return a, nil
}

func (a *Agent) loop() {
	for {
		select {
		case op := <-a.ops:
			op()
		case <-a.closed:
			return
		}
	}
}

// post delivers an operation to the loop. Returns false after Close.
func (a *Agent) post(f func()) bool {
	select {
	case a.ops <- f:
		return true
	case <-a.closed:
		return false
	}
}

// call posts an operation and waits for it to run.
func (a *Agent) call(f func()) error {
	done := make(chan struct{})
	if !a.post(func() {
		defer close(done)
		f()
	}) {
		return ErrAgentClosed
	}
	select {
	case <-done:
		return nil
	case <-a.closed:
		return ErrAgentClosed
	}
}

// Close shuts the agent down, cancelling any in-flight stream and tools.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.call(func() {
			a.cancelStream()
			a.cancelAllTools()
			a.status = statusIdle
		})
		close(a.closed)
	})
	return nil
}

// SessionID returns the agent's session identifier.
func (a *Agent) SessionID() string { return a.id }

// Subscribe attaches an event subscriber to this agent's session.
func (a *Agent) Subscribe() (<-chan models.AgentEvent, func()) {
	return a.broker.Subscribe(a.id)
}

// Prompt submits user input. When the agent is idle a turn begins
// immediately and queued is false; otherwise the text is held in the
// steering queue and applied at the next turn boundary.
func (a *Agent) Prompt(text string) (queued bool, err error) {
	if text == "" {
		return false, fmt.Errorf("empty prompt")
	}
	err = a.call(func() {
		if a.status != statusIdle {
			a.pending = append(a.pending, text)
			a.emit(models.AgentEvent{Type: models.EventMessageQueued, Text: text})
			queued = true
			return
		}
		a.appendMessage(models.UserMessage(text))
		a.emit(models.AgentEvent{Type: models.EventAgentStart})
		a.status = statusRunning
		a.overflowRetried = false
		a.startTurn()
	})
	return queued, err
}

// Abort cancels the in-flight stream and all pending tool tasks, repairs
// orphaned tool calls, and returns the agent to idle. Idempotent.
func (a *Agent) Abort() error {
	return a.call(func() {
		if a.status == statusIdle {
			return
		}
		a.cancelStream()
		a.cancelAllTools()
		for _, synthetic := range repairOrphanedCalls(a.messages) {
			a.appendMessage(synthetic)
		}
		a.emit(models.AgentEvent{Type: models.EventAgentAbort})
		a.toIdle()
	})
}

// Snapshot is a consistent view of agent state.
type Snapshot struct {
	SessionID       string
	Model           string
	Status          Status
	Messages        []models.Message // chronological
	PendingMessages []string
	RetryCount      int
	Usage           models.TokenUsage
	LoadedSkills    []string
}

// State returns a consistent snapshot.
func (a *Agent) State() (Snapshot, error) {
	var snap Snapshot
	err := a.call(func() {
		snap = Snapshot{
			SessionID:       a.id,
			Model:           a.model,
			Status:          a.status,
			Messages:        a.chronological(),
			PendingMessages: append([]string(nil), a.pending...),
			RetryCount:      a.retryCount,
			Usage:           a.usage.tokens,
		}
		for name := range a.skills {
			snap.LoadedSkills = append(snap.LoadedSkills, name)
		}
	})
	return snap, err
}

// Context returns the exact chronological message list that would be sent
// to the provider, with the system prompt and ensured tool-result pairing.
func (a *Agent) Context() ([]models.Message, error) {
	var msgs []models.Message
	err := a.call(func() {
		msgs = a.buildContext()
	})
	return msgs, err
}

// SetModel switches the model for subsequent turns.
func (a *Agent) SetModel(model string) error {
	return a.call(func() { a.model = model })
}

// SetProvider switches the provider for subsequent turns.
func (a *Agent) SetProvider(p Provider) error {
	if p == nil {
		return ErrNoProvider
	}
	return a.call(func() { a.provider = p })
}

// SyncMessages replaces the conversation with the given chronological list.
// Used for branch navigation; the session backend is not rewritten.
func (a *Agent) SyncMessages(chronological []models.Message) error {
	return a.call(func() { a.setMessages(chronological) })
}

// Configure merges a configuration patch; the active tool filter and
// behaviour changes take effect on the next turn.
func (a *Agent) Configure(patch ConfigPatch) error {
	return a.call(func() {
		a.opts.apply(patch)
		if patch.Model != nil {
			a.model = *patch.Model
		}
	})
}

// ---- loop-internal helpers ----

func (a *Agent) emit(ev models.AgentEvent) {
	ev.Time = now()
	ev.SessionID = a.id
	a.broker.Broadcast(ev, a.opts.Features.DebugLog)
	if a.metrics != nil {
		a.metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
	}
}

// appendMessage adds one message to the newest-first log and mirrors it to
// the session backend.
func (a *Agent) appendMessage(msg models.Message) {
	a.messages = append([]models.Message{msg}, a.messages...)
	if a.session != nil {
		if err := a.session.Append(msg); err != nil {
			a.opts.Logger.Error("session append failed", "error", err)
		}
	}
}

// appendMessages adds a chronological batch in one session operation.
func (a *Agent) appendMessages(msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}
	for _, msg := range msgs {
		a.messages = append([]models.Message{msg}, a.messages...)
	}
	if a.session != nil {
		if err := a.session.AppendMany(msgs); err != nil {
			a.opts.Logger.Error("session append failed", "error", err)
		}
	}
}

// setMessages replaces the log with a chronological list.
func (a *Agent) setMessages(chronological []models.Message) {
	a.messages = make([]models.Message, 0, len(chronological))
	for _, msg := range chronological {
		a.messages = append([]models.Message{msg}, a.messages...)
	}
}

// replaceMessages is setMessages under its compaction-path name.
func (a *Agent) replaceMessages(chronological []models.Message) {
	a.setMessages(chronological)
}

// chronological returns a copy of the log in chronological order.
func (a *Agent) chronological() []models.Message {
	out := make([]models.Message, len(a.messages))
	for i, msg := range a.messages {
		out[len(out)-1-i] = msg
	}
	return out
}

// snapshotMessages returns a newest-first copy for tool contexts.
func (a *Agent) snapshotMessages() []models.Message {
	out := make([]models.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// buildContext assembles the provider message list: system prompt first,
// then the chronological transcript with tool-result pairing ensured.
func (a *Agent) buildContext() []models.Message {
	chronological := a.chronological()
	repaired := ensureToolResults(chronological)
	if a.opts.SystemPrompt == "" {
		return repaired
	}
	out := make([]models.Message, 0, len(repaired)+1)
	out = append(out, models.Message{Role: models.RoleSystem, Content: a.opts.SystemPrompt})
	return append(out, repaired...)
}

func (a *Agent) skillsOn() bool {
	return len(a.skillPool) > 0
}

func (a *Agent) toIdle() {
	a.cancelStream()
	if a.turnSpan != nil {
		a.turnSpan.End()
		a.turnSpan = nil
	}
	a.status = statusIdle
	a.retryCount = 0
	a.turnSeq++
}

// startTurn executes one provider round trip. Runs on the loop goroutine
// with status running.
func (a *Agent) startTurn() {
	a.turnSeq++
	seq := a.turnSeq
	a.status = statusRunning

	if a.metrics != nil {
		a.metrics.TurnsTotal.Inc()
	}
	if a.tracer != nil && a.turnSpan == nil {
		_, a.turnSpan = a.tracer.Start(context.Background(), "agent.turn")
	}

	a.maybeAutoCompact()

	for _, synthetic := range repairOrphanedCalls(a.messages) {
		a.appendMessage(synthetic)
	}

	msgs := a.buildContext()
	tools := a.registry.Definitions(a.opts, a.skillsOn())

	a.emit(models.AgentEvent{
		Type:    models.EventRequestStart,
		Request: &models.RequestEventPayload{Model: a.model, MessageCount: len(msgs)},
	})

	stream, err := a.provider.Stream(context.Background(), a.model, msgs, tools)
	if err != nil {
		a.handleStreamCallFailure(seq, err)
		return
	}

	a.emit(models.AgentEvent{Type: models.EventRequestEnd})

	a.streamHandle = stream
	a.accum = newTurnAccum()
	a.lastChunkAt = now()
	a.status = statusStreaming
	a.startWatchdog(seq)

	switch {
	case stream.Events != nil:
		go a.readEvents(stream.Events, seq)
	case stream.SSE != nil:
		go a.readSSE(stream.SSE, a.provider, seq)
	default:
		a.emit(models.AgentEvent{Type: models.EventError, Text: "provider returned empty stream"})
		a.toIdle()
	}
}

// handleStreamCallFailure classifies a provider call failure and either
// recovers from overflow, schedules a retry, or surfaces the error.
func (a *Agent) handleStreamCallFailure(seq uint64, err error) {
	reason := err.Error()
	switch classifyFailure(err) {
	case FailureOverflow:
		if !a.overflowRetried && a.session != nil {
			a.overflowRetried = true
			a.handleOverflow()
			return
		}
		a.emit(models.AgentEvent{Type: models.EventError, Text: reason})
		a.toIdle()

	case FailureTransient:
		if a.retryCount < a.opts.MaxRetries {
			a.retryCount++
			attempt := a.retryCount
			delay := RetryDelay(attempt, a.opts.BaseRetryDelay, a.opts.MaxRetryDelay)
			a.emit(models.AgentEvent{
				Type: models.EventRetry,
				Retry: &models.RetryEventPayload{
					Attempt: attempt,
					DelayMS: delay.Milliseconds(),
					Reason:  reason,
				},
			})
			if a.metrics != nil {
				a.metrics.RetriesTotal.Inc()
			}
			a.scheduleRetry(seq, delay)
			return
		}
		a.emit(models.AgentEvent{Type: models.EventError, Text: reason})
		a.toIdle()

	default:
		a.emit(models.AgentEvent{Type: models.EventError, Text: reason})
		a.toIdle()
	}
}

// scheduleRetry re-runs the turn after the backoff delay. A timer that
// fires after the agent left the running state (e.g. abort) is discarded.
func (a *Agent) scheduleRetry(seq uint64, delay time.Duration) {
	time.AfterFunc(delay, func() {
		a.post(func() {
			if a.status != statusRunning || a.turnSeq != seq {
				return
			}
			a.startTurn()
		})
	})
}

// finishTurn runs at a turn boundary with no tool calls outstanding: drain
// steering input into another turn, or complete.
func (a *Agent) finishTurn() {
	if len(a.pending) > 0 {
		queued := a.pending
		a.pending = nil
		for _, text := range queued {
			a.emit(models.AgentEvent{Type: models.EventMessageApplied, Text: text})
			a.appendMessage(models.UserMessage(text))
		}
		a.status = statusRunning
		a.startTurn()
		return
	}

	a.emit(models.AgentEvent{
		Type: models.EventAgentEnd,
		Final: &models.FinalEventPayload{
			Messages: a.chronological(),
			Usage:    a.usage.tokens,
		},
	})

	if a.opts.AutoSaveDir != "" && a.session != nil {
		if err := a.session.Save(a.opts.AutoSaveDir); err != nil {
			a.opts.Logger.Error("auto-save failed", "error", err)
		}
	}

	a.toIdle()
}
