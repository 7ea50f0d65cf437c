package agent

import (
	"github.com/strandlabs/strand/pkg/models"
)

// usageState tracks token accounting across a session.
type usageState struct {
	tokens            models.TokenUsage
	lastPromptTokens  int
	lastUsageMsgIndex int
	overflowDetected  bool
}

// usageInt reads the first present key from a raw usage map, coercing the
// numeric types JSON decoding produces. Absent and nil values become 0.
func usageInt(raw map[string]any, keys ...string) int {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// updateUsage folds a raw usage payload into the tracker. Both OpenAI-style
// (prompt_tokens/completion_tokens) and Anthropic-style
// (input_tokens/output_tokens) keys are recognised.
func (a *Agent) updateUsage(raw map[string]any) {
	if raw == nil {
		return
	}
	input := usageInt(raw, "prompt_tokens", "input_tokens")
	output := usageInt(raw, "completion_tokens", "output_tokens")

	u := &a.usage
	u.tokens.PromptTokens += input
	u.tokens.CompletionTokens += output
	u.tokens.TotalTokens = u.tokens.PromptTokens + u.tokens.CompletionTokens
	u.lastPromptTokens = input
	u.lastUsageMsgIndex = len(a.messages)
	u.tokens.CurrentContextTokens = input + output

	window := a.contextWindow()
	if window > 0 {
		u.tokens.ContextWindow = window
		if UsageOverflow(input, window) {
			u.overflowDetected = true
		}
	}

	a.emit(models.AgentEvent{
		Type: models.EventUsageUpdate,
		Usage: map[string]int{
			"prompt_tokens":     input,
			"completion_tokens": output,
		},
	})
	if a.metrics != nil {
		a.metrics.TokensUsed.WithLabelValues("prompt").Add(float64(input))
		a.metrics.TokensUsed.WithLabelValues("completion").Add(float64(output))
	}
	a.accum.lastInputTokens = input
}

func (a *Agent) contextWindow() int {
	return a.opts.ContextWindow
}

// estimateMessageTokens approximates the cost of one message. Deliberately
// coarse, and biased to overestimate: content bytes over four, plus a fixed
// per-message overhead for role and framing.
func estimateMessageTokens(msg models.Message) int {
	tokens := len(msg.Content)/4 + 8
	for _, call := range msg.ToolCalls {
		tokens += len(call.Name)/4 + len(call.ArgumentsJSON)/4 + 8
	}
	tokens += len(msg.Thinking) / 4
	return tokens
}

// estimateContextTokens estimates the current prompt size: the provider's
// last reported input count plus heuristic estimates for every message
// appended since that report.
func (a *Agent) estimateContextTokens() int {
	estimate := a.usage.lastPromptTokens
	appended := len(a.messages) - a.usage.lastUsageMsgIndex
	if appended < 0 {
		appended = len(a.messages)
	}
	// Messages are newest-first, so the appended suffix is the head.
	for i := 0; i < appended && i < len(a.messages); i++ {
		estimate += estimateMessageTokens(a.messages[i])
	}
	return estimate
}

// maybeAutoCompact runs the proactive compaction check at the start of a
// turn. Without a session backend it is a no-op.
func (a *Agent) maybeAutoCompact() {
	if a.session == nil {
		return
	}
	window := a.contextWindow()
	if window <= 0 {
		return
	}
	estimate := a.estimateContextTokens()
	if float64(estimate)/float64(window) < a.opts.CompactThreshold {
		return
	}

	a.opts.Logger.Info("proactive compaction",
		"estimate", estimate, "window", window, "messages", len(a.messages))
	a.compactSession(0.5, false)
}

// handleOverflow recovers from a structural context overflow: compact
// aggressively and resume the turn without counting a retry. Without a
// session backend the turn fails.
func (a *Agent) handleOverflow() {
	a.usage.overflowDetected = false
	if a.session == nil {
		a.emit(models.AgentEvent{Type: models.EventError, Text: "overflow_no_session"})
		a.toIdle()
		return
	}
	if !a.compactSession(0.2, true) {
		a.toIdle()
		return
	}
	a.startTurn()
}

// compactSession invokes the session backend's compaction, reloads the
// transcript, resets usage tracking, and emits the compaction events.
func (a *Agent) compactSession(keepRatio float64, overflow bool) bool {
	if a.metrics != nil {
		trigger := "proactive"
		if overflow {
			trigger = "overflow"
		}
		a.metrics.Compactions.WithLabelValues(trigger).Inc()
	}
	a.emit(models.AgentEvent{
		Type: models.EventCompactionStart,
		Compaction: &models.CompactionEventPayload{
			MessageCount: len(a.messages),
			Overflow:     overflow,
		},
	})

	before, after, err := a.session.Compact(keepRatio)
	if err != nil {
		a.opts.Logger.Error("compaction failed", "error", err)
		a.emit(models.AgentEvent{Type: models.EventError, Text: "compaction failed: " + err.Error()})
		return false
	}

	chronological, err := a.session.Path()
	if err != nil {
		a.opts.Logger.Error("failed to reload compacted transcript", "error", err)
		a.emit(models.AgentEvent{Type: models.EventError, Text: "compaction reload failed: " + err.Error()})
		return false
	}
	a.replaceMessages(chronological)

	a.usage.lastPromptTokens = 0
	a.usage.lastUsageMsgIndex = 0

	a.emit(models.AgentEvent{
		Type:       models.EventCompactionEnd,
		Compaction: &models.CompactionEventPayload{Before: before, After: after},
	})
	return true
}
