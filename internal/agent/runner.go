package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/strandlabs/strand/pkg/models"
)

// toolOutcome pairs a finished call with its rendered result.
type toolOutcome struct {
	call    models.ToolCall
	text    string
	isError bool
}

// toText renders a tool output value for the transcript. Strings pass
// through unchanged; everything else is JSON-encoded, falling back to a
// debug print for values JSON cannot express.
func toText(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case error:
		return s.Error()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}

// startToolBatch dispatches the finalised tool calls of a turn. Each call
// runs in its own goroutine, capped by ToolParallelism; completions are
// posted back to the loop.
func (a *Agent) startToolBatch(calls []models.ToolCall) {
	a.status = statusExecutingTools
	a.toolResults = a.toolResults[:0]
	a.toolOrder = append(a.toolOrder[:0], calls...)
	a.pendingTools = make(map[string]struct{}, len(calls))

	ctx, cancel := context.WithCancel(context.Background())
	a.toolCancel = cancel
	seq := a.turnSeq

	sem := make(chan struct{}, a.opts.ToolParallelism)
	snapshot := a.snapshotMessages()

	// Register the whole batch before collecting any result: a synchronous
	// resolution failure on an early call must not empty the pending set and
	// finalise the batch while later calls are still being dispatched.
	for _, call := range calls {
		a.pendingTools[call.ID] = struct{}{}
	}

	for _, call := range calls {
		tool, err := a.resolveTool(call.Name)

		a.emit(models.AgentEvent{
			Type: models.EventToolExecutionStart,
			Tool: &models.ToolEventPayload{
				Name:      call.Name,
				CallID:    call.ID,
				Arguments: call.Arguments,
				Meta:      toolMetaMap(tool),
			},
		})

		if err != nil {
			a.collectToolResult(seq, call, &ToolResult{Output: err.Error(), IsError: true})
			continue
		}

		tc := &ToolContext{
			WorkingDir: a.opts.WorkingDir,
			SessionID:  a.id,
			CallID:     call.ID,
			Options:    a.opts,
			Messages:   snapshot,
			Emit: func(ev models.AgentEvent) {
				a.post(func() { a.emit(ev) })
			},
		}
		go a.runTool(ctx, sem, seq, tool, call, tc)
	}
}

// resolveTool looks a tool up through the active-tool filter.
func (a *Agent) resolveTool(name string) (Tool, error) {
	tool, ok := a.registry.Get(name)
	if !ok || toolFiltered(name, tool.Meta(), a.opts, a.skillsOn()) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool, nil
}

func toolMetaMap(tool Tool) map[string]any {
	if tool == nil {
		return nil
	}
	meta := tool.Meta()
	return map[string]any{"origin": string(meta.Origin), "kind": string(meta.Kind)}
}

// runTool executes one call in isolation. A panic never escapes: it is
// translated to an error result, mirroring a supervised task crash.
func (a *Agent) runTool(ctx context.Context, sem chan struct{}, seq uint64, tool Tool, call models.ToolCall, tc *ToolContext) {
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		a.postToolResult(seq, call, &ToolResult{Output: "Tool execution cancelled", IsError: true})
		return
	}

	result := a.executeTool(ctx, tool, call, tc)
	a.postToolResult(seq, call, result)
}

func (a *Agent) executeTool(ctx context.Context, tool Tool, call models.ToolCall, tc *ToolContext) (result *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			a.opts.Logger.Error("tool panicked",
				"tool", call.Name, "call_id", call.ID,
				"panic", r, "stack", string(debug.Stack()))
			result = &ToolResult{
				Output:  fmt.Sprintf("Tool execution crashed: %v", r),
				IsError: true,
			}
		}
	}()

	if err := a.registry.ValidateArguments(call.Name, call.Arguments); err != nil {
		return &ToolResult{Output: err.Error(), IsError: true}
	}

	if a.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.ToolTimeout)
		defer cancel()
	}

	res, err := tool.Execute(ctx, call.Arguments, tc)
	if err != nil {
		return &ToolResult{Output: err.Error(), IsError: true}
	}
	if res == nil {
		return &ToolResult{Output: ""}
	}
	return res
}

// postToolResult delivers a completion to the loop, discarding it when the
// batch has been superseded by an abort.
func (a *Agent) postToolResult(seq uint64, call models.ToolCall, result *ToolResult) {
	a.post(func() {
		if a.turnSeq != seq || a.status != statusExecutingTools {
			return
		}
		a.collectToolResult(seq, call, result)
	})
}

// collectToolResult records one finished call and finalises the batch when
// it was the last one. Runs on the loop goroutine.
func (a *Agent) collectToolResult(seq uint64, call models.ToolCall, result *ToolResult) {
	if _, pending := a.pendingTools[call.ID]; !pending {
		return
	}
	delete(a.pendingTools, call.ID)

	if result.Effect != nil {
		a.applyToolEffect(result.Effect)
	}

	text := toText(result.Output)
	a.emit(models.AgentEvent{
		Type: models.EventToolExecutionEnd,
		Tool: &models.ToolEventPayload{
			Name:    call.Name,
			CallID:  call.ID,
			Result:  text,
			IsError: result.IsError,
		},
	})

	if a.metrics != nil {
		status := "success"
		if result.IsError {
			status = "error"
		}
		a.metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
	}

	a.toolResults = append(a.toolResults, toolOutcome{call: call, text: text, isError: result.IsError})

	if len(a.pendingTools) == 0 {
		a.finalizeToolBatch()
	}
}

// applyToolEffect mutates agent state as requested by a tool before its
// result is recorded.
func (a *Agent) applyToolEffect(effect *Effect) {
	switch effect.Kind {
	case EffectLoadSkill:
		name := effect.Payload
		desc, ok := a.skillPool[name]
		if !ok {
			a.opts.Logger.Warn("tool requested unknown skill", "skill", name)
			return
		}
		a.skills[name] = desc
		a.emit(models.AgentEvent{
			Type:  models.EventSkillLoaded,
			Skill: &models.SkillEventPayload{Name: name, Description: desc},
		})
		a.appendMessage(models.UserMessage(
			fmt.Sprintf("[Skill loaded: %s. %s]", name, desc)))
	default:
		a.opts.Logger.Warn("unknown tool effect", "kind", effect.Kind)
	}
}

// finalizeToolBatch orders the results back into original call order,
// appends the tool_result messages in one operation, and runs the next turn.
func (a *Agent) finalizeToolBatch() {
	if a.toolCancel != nil {
		a.toolCancel()
		a.toolCancel = nil
	}

	results := make([]models.Message, 0, len(a.toolOrder))
	for _, call := range a.toolOrder {
		for _, outcome := range a.toolResults {
			if outcome.call.ID != call.ID {
				continue
			}
			results = append(results, models.ToolResultMessage(call.ID, outcome.text, outcome.isError))
			break
		}
	}
	a.appendMessages(results)

	a.toolResults = a.toolResults[:0]
	a.toolOrder = a.toolOrder[:0]
	a.pendingTools = nil

	a.status = statusRunning
	a.startTurn()
}

// cancelAllTools terminates every pending task and clears batch state. The
// caller is expected to follow with Layer-1 repair.
func (a *Agent) cancelAllTools() {
	if a.toolCancel != nil {
		a.toolCancel()
		a.toolCancel = nil
	}
	a.pendingTools = nil
	a.toolResults = a.toolResults[:0]
	a.toolOrder = a.toolOrder[:0]
}
