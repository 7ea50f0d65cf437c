package agent

import (
	"log/slog"

	"github.com/strandlabs/strand/pkg/models"
)

// Transcript repair enforces the pairing invariant: every assistant tool call
// is answered by exactly one tool_result, in declaration order, immediately
// after the assistant message. Two layers run at different points:
//
// Layer 1 (repairOrphanedCalls) operates on the newest-first state log before
// each provider call and on abort. It appends synthetic results for calls
// that never got one, including "deep" orphans buried under later turns.
//
// Layer 2 (ensureToolResults) operates on the chronological list about to be
// sent to the provider. It strips stray results, relocates mispositioned
// ones, drops duplicates, and synthesises placeholders for missing ones.

const (
	abortedResultText = "[Aborted by user]"
	missingResultText = "[Error: tool result missing]"
)

// repairOrphanedCalls walks the newest-first history and returns synthetic
// tool_result messages for every tool call with no matching result. The
// returned messages are in the order the orphaned calls were encountered.
func repairOrphanedCalls(newestFirst []models.Message) []models.Message {
	seen := make(map[string]struct{})
	var synthetic []models.Message

	for _, msg := range newestFirst {
		switch msg.Role {
		case models.RoleToolResult:
			if msg.ToolCallID != "" {
				seen[msg.ToolCallID] = struct{}{}
			}
		case models.RoleAssistant:
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				if _, ok := seen[call.ID]; !ok {
					synthetic = append(synthetic, models.ToolResultMessage(call.ID, abortedResultText, true))
					seen[call.ID] = struct{}{}
				}
			}
		}
	}

	return synthetic
}

// ensureToolResults reassembles a chronological message list so that every
// assistant message with tool calls is immediately followed by exactly one
// result per call ID, in declaration order. Applying it twice equals once.
func ensureToolResults(chronological []models.Message) []models.Message {
	// First pass: collect every call ID any assistant declared, so fully
	// orphaned results can be distinguished from mispositioned ones.
	declared := make(map[string]struct{})
	for _, msg := range chronological {
		if msg.Role != models.RoleAssistant {
			continue
		}
		for _, call := range msg.ToolCalls {
			if call.ID != "" {
				declared[call.ID] = struct{}{}
			}
		}
	}

	out := make([]models.Message, 0, len(chronological))
	consumed := make([]bool, len(chronological))

	for i := 0; i < len(chronological); i++ {
		if consumed[i] {
			continue
		}
		msg := chronological[i]

		switch {
		case msg.Role == models.RoleToolResult:
			// A result reached outside an assistant's collection step is
			// either mispositioned (it will be pulled in by its assistant),
			// fully orphaned, or a duplicate. Strip it in all three cases.
			if _, ok := declared[msg.ToolCallID]; !ok {
				slog.Warn("dropping orphaned tool result", "call_id", msg.ToolCallID)
			}

		case msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0:
			out = append(out, msg)

			// Expected IDs, unique, in declaration order.
			expected := make([]string, 0, len(msg.ToolCalls))
			expectedSet := make(map[string]struct{}, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				if _, dup := expectedSet[call.ID]; dup {
					continue
				}
				expectedSet[call.ID] = struct{}{}
				expected = append(expected, call.ID)
			}

			for _, id := range expected {
				found := false
				for j := i + 1; j < len(chronological); j++ {
					cand := chronological[j]
					if consumed[j] || cand.Role != models.RoleToolResult || cand.ToolCallID != id {
						continue
					}
					if !found {
						out = append(out, cand)
						found = true
					} else {
						slog.Warn("dropping duplicate tool result", "call_id", id)
					}
					consumed[j] = true
				}
				if !found {
					out = append(out, models.ToolResultMessage(id, missingResultText, true))
				}
			}

		default:
			out = append(out, msg)
		}
	}

	return out
}
