package agent

import (
	"bufio"
	"encoding/json"
	"strings"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// turnAccum holds the streaming accumulator, reset at the start of every
// provider stream.
type turnAccum struct {
	text       strings.Builder
	toolCalls  []*models.ToolCall
	thinking   strings.Builder
	hasThought bool

	tagBuffers     map[string]string
	messageStarted bool

	// usage carries the most recent usage payload seen this stream.
	lastInputTokens int

	errored   bool
	errReason string
	completed bool
}

func newTurnAccum() *turnAccum {
	return &turnAccum{tagBuffers: make(map[string]string)}
}

// sseData classifies one SSE line and returns the JSON payload, if any.
// "data: [DONE]" and non-data lines (comments, event names) yield nothing;
// a bare "{" line is treated as raw JSON since some providers omit the
// "data:" prefix on error payloads.
func sseData(line string) ([]byte, bool) {
	line = strings.TrimRight(line, "\r")
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		rest = strings.TrimSpace(rest)
		if rest == "" || rest == "[DONE]" {
			return nil, false
		}
		return []byte(rest), true
	}
	if strings.HasPrefix(line, "{") {
		return []byte(line), true
	}
	return nil, false
}

// readSSE frames the raw SSE body line by line, decodes each data payload
// through the provider, and posts the resulting event batches back to the
// agent loop. Runs as the stream reader goroutine.
func (a *Agent) readSSE(stream *SSEStream, provider Provider, seq uint64) {
	defer stream.Body.Close()

	scanner := bufio.NewScanner(stream.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		data, ok := sseData(scanner.Text())
		if !ok {
			continue
		}
		events := provider.ParseStreamEvent(data)
		if len(events) == 0 {
			continue
		}
		if !a.postStreamEvents(seq, events) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		a.postStreamEvents(seq, []StreamEvent{{Type: StreamError, Err: err.Error()}})
		return
	}
	a.postStreamEvents(seq, []StreamEvent{{Type: StreamDone}})
}

// readEvents pumps a native event stream into the agent loop.
func (a *Agent) readEvents(stream *EventStream, seq uint64) {
	for ev := range stream.Events {
		if !a.postStreamEvents(seq, []StreamEvent{ev}) {
			return
		}
	}
	a.postStreamEvents(seq, []StreamEvent{{Type: StreamDone}})
}

// postStreamEvents delivers a batch to the loop, tagged with the turn
// sequence so events from a superseded stream are discarded. Returns false
// when the agent has shut down.
func (a *Agent) postStreamEvents(seq uint64, events []StreamEvent) bool {
	return a.post(func() {
		if a.turnSeq != seq || a.status != statusStreaming {
			return
		}
		a.lastChunkAt = now()
		for _, ev := range events {
			a.foldStreamEvent(ev)
			if a.status != statusStreaming {
				return
			}
		}
	})
}

// foldStreamEvent applies one normalised event to the accumulator. Runs on
// the loop goroutine.
func (a *Agent) foldStreamEvent(ev StreamEvent) {
	acc := a.accum
	switch ev.Type {
	case StreamTextStart:
		a.ensureMessageStarted()

	case StreamTextDelta:
		a.ensureMessageStarted()
		clean, found := extractStreamTags(acc.tagBuffers, ev.Text)
		for _, status := range found["status"] {
			a.emit(models.AgentEvent{Type: models.EventStatusUpdate, Text: status})
		}
		for _, title := range found["title"] {
			a.applyTitle(title)
		}
		if clean != "" {
			a.emit(models.AgentEvent{Type: models.EventMessageDelta, Delta: clean})
			acc.text.WriteString(clean)
		}

	case StreamTextDone:
		acc.text.Reset()
		acc.text.WriteString(ev.Text)

	case StreamThinkingStart:
		acc.hasThought = true
		a.emit(models.AgentEvent{Type: models.EventThinkingStart})

	case StreamThinkingDelta:
		if !acc.hasThought {
			acc.hasThought = true
			a.emit(models.AgentEvent{Type: models.EventThinkingStart})
		}
		a.emit(models.AgentEvent{Type: models.EventThinkingDelta, Delta: ev.Text})
		acc.thinking.WriteString(ev.Text)

	case StreamToolCallStart:
		if ev.ToolCall != nil {
			a.upsertToolCall(ev.ToolCall)
		}

	case StreamToolCallDelta:
		a.appendToolCallDelta(ev)

	case StreamToolCallDone:
		if ev.ToolCall != nil {
			a.finalizeToolCall(ev.ToolCall)
		}

	case StreamUsage:
		a.updateUsage(ev.Usage)

	case StreamResponseDone:
		if ev.Usage != nil {
			a.updateUsage(ev.Usage)
		}
		acc.completed = true
		a.finishStream()

	case StreamError:
		acc.errored = true
		acc.errReason = ev.Err
		a.emit(models.AgentEvent{Type: models.EventError, Text: ev.Err})
		a.cancelStream()
		a.toIdle()

	case StreamDone:
		if !acc.completed {
			acc.completed = true
			a.finishStream()
		}

	default:
		// Unknown event types are ignored for forward compatibility.
	}
}

func (a *Agent) ensureMessageStarted() {
	if a.accum.messageStarted {
		return
	}
	a.accum.messageStarted = true
	a.emit(models.AgentEvent{Type: models.EventMessageStart})
}

func (a *Agent) applyTitle(title string) {
	if !a.opts.Features.TitleGeneration {
		return
	}
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	if title == "" {
		return
	}
	a.emit(models.AgentEvent{Type: models.EventTitleGenerated, Text: title})
	if a.session != nil {
		if err := a.session.SetMetadata("title", title); err != nil {
			a.opts.Logger.Warn("failed to store session title", "error", err)
		}
	}
}

// upsertToolCall inserts or merges a partial tool call by identifier. On a
// duplicate, non-empty identity fields fill gaps without overwriting.
func (a *Agent) upsertToolCall(call *models.ToolCall) {
	for _, existing := range a.accum.toolCalls {
		if !existing.Matches(*call) {
			continue
		}
		if call.Name != "" {
			existing.Name = call.Name
		}
		if call.ID != "" {
			existing.ID = call.ID
		}
		if call.ItemID != "" {
			existing.ItemID = call.ItemID
		}
		if call.Index >= 0 {
			existing.Index = call.Index
		}
		return
	}
	cp := *call
	a.accum.toolCalls = append(a.accum.toolCalls, &cp)
}

// appendToolCallDelta routes an arguments fragment to the right entry.
// The legacy form (no identifier) targets the last tool call; with an
// identifier, a missing entry is created.
func (a *Agent) appendToolCallDelta(ev StreamEvent) {
	calls := a.accum.toolCalls

	if ev.ToolCall == nil {
		if len(calls) == 0 {
			return
		}
		calls[len(calls)-1].ArgumentsJSON += ev.Delta
		return
	}

	for _, existing := range calls {
		if existing.Matches(*ev.ToolCall) {
			existing.ArgumentsJSON += ev.Delta
			return
		}
	}
	cp := *ev.ToolCall
	cp.ArgumentsJSON = ev.Delta
	a.accum.toolCalls = append(a.accum.toolCalls, &cp)
}

// finalizeToolCall marks the matching entry complete, preferring pre-parsed
// arguments over the accumulated JSON. With no identifier match it falls
// back to the last entry that is not yet finalised.
func (a *Agent) finalizeToolCall(done *models.ToolCall) {
	var target *models.ToolCall
	for _, existing := range a.accum.toolCalls {
		if existing.Matches(*done) {
			target = existing
			break
		}
	}
	if target == nil {
		for i := len(a.accum.toolCalls) - 1; i >= 0; i-- {
			if !a.accum.toolCalls[i].Complete {
				target = a.accum.toolCalls[i]
				break
			}
		}
	}
	if target == nil {
		cp := *done
		target = &cp
		a.accum.toolCalls = append(a.accum.toolCalls, target)
	}

	if done.Name != "" {
		target.Name = done.Name
	}
	if done.ID != "" {
		target.ID = done.ID
	}
	if done.Arguments != nil {
		target.Arguments = done.Arguments
	} else if done.ArgumentsJSON != "" {
		target.ArgumentsJSON = done.ArgumentsJSON
	}
	target.Complete = true
}

// finalizeToolCalls converts the accumulated partial calls into the final
// list attached to the assistant message. Entries with no call id or name
// are dropped; arguments_json is parsed when no pre-parsed arguments exist.
func finalizeToolCalls(partials []*models.ToolCall) []models.ToolCall {
	var out []models.ToolCall
	for _, p := range partials {
		if p.ID == "" || p.Name == "" {
			continue
		}
		call := *p
		if call.Arguments == nil && call.ArgumentsJSON != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(call.ArgumentsJSON), &args); err == nil {
				call.Arguments = args
			}
		}
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
		out = append(out, call)
	}
	return out
}

// finishStream runs once per stream on successful completion: it builds the
// assistant message, appends it, and routes to tool execution or turn end.
func (a *Agent) finishStream() {
	a.stopWatchdog()
	a.streamHandle = nil
	acc := a.accum

	msg := models.Message{
		Role:      models.RoleAssistant,
		Content:   acc.text.String(),
		ToolCalls: finalizeToolCalls(acc.toolCalls),
	}
	if acc.hasThought {
		msg.Thinking = acc.thinking.String()
	}
	a.appendMessage(msg)

	a.retryCount = 0
	a.overflowRetried = false
	a.emit(models.AgentEvent{Type: models.EventTurnEnd, Assistant: &msg})

	if a.usage.overflowDetected {
		a.handleOverflow()
		return
	}

	if len(msg.ToolCalls) > 0 {
		a.startToolBatch(msg.ToolCalls)
		return
	}

	a.finishTurn()
}

// watchdog posts periodic stall checks for the stream identified by seq.
func (a *Agent) startWatchdog(seq uint64) {
	stop := make(chan struct{})
	a.watchdogStop = stop
	interval := 5 * time.Second
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.post(func() {
					if a.turnSeq != seq || a.status != statusStreaming {
						return
					}
					elapsed := now().Sub(a.lastChunkAt)
					if elapsed >= a.opts.StallTimeout {
						a.emit(models.AgentEvent{
							Type:           models.EventStreamStalled,
							StalledSeconds: int(elapsed.Seconds()),
						})
					}
				})
			}
		}
	}()
}

func (a *Agent) stopWatchdog() {
	if a.watchdogStop != nil {
		close(a.watchdogStop)
		a.watchdogStop = nil
	}
}

func (a *Agent) cancelStream() {
	a.stopWatchdog()
	if a.streamHandle != nil {
		a.streamHandle.Cancel()
		a.streamHandle = nil
	}
}
