// Package sessions provides conversation persistence for agents: an
// append-only message log with metadata, JSON export, and compaction.
package sessions

import (
	"fmt"
	"math"

	"github.com/strandlabs/strand/pkg/models"
)

// Session is the persistence collaborator an agent mirrors its transcript
// into. All methods are safe for concurrent use.
type Session interface {
	// Append persists one message at the end of the log.
	Append(msg models.Message) error

	// AppendMany persists several messages in one operation, preserving order.
	AppendMany(msgs []models.Message) error

	// Path returns the full transcript in chronological order.
	Path() ([]models.Message, error)

	// CurrentID returns the session identifier.
	CurrentID() (string, bool)

	// Save exports the transcript as JSON into the given directory.
	Save(dir string) error

	// Compact replaces the oldest portion of the log with a single summary
	// message, keeping roughly keepRatio of the messages. The cut never
	// splits a tool_call/tool_result pair. Returns the message counts
	// before and after.
	Compact(keepRatio float64) (before, after int, err error)

	// SetMetadata stores a session metadata value (e.g. the generated title).
	SetMetadata(key string, value any) error

	// GetMetadata returns a metadata value.
	GetMetadata(key string) (any, bool)
}

// Summarizer produces the replacement content for a compacted prefix.
// Summarisation through a model lives outside this package; the default
// emits a deterministic digest.
type Summarizer func(removed []models.Message) string

// DefaultSummarizer digests the removed prefix into a short marker message.
func DefaultSummarizer(removed []models.Message) string {
	var users, assistants, tools int
	for _, m := range removed {
		switch m.Role {
		case models.RoleUser:
			users++
		case models.RoleAssistant:
			assistants++
		case models.RoleToolResult:
			tools++
		}
	}
	return fmt.Sprintf(
		"[Earlier conversation compacted: %d messages removed (%d user, %d assistant, %d tool results).]",
		len(removed), users, assistants, tools)
}

// compactionCut computes the index where the kept suffix starts. The cut is
// pushed forward past any leading tool_result messages so a pair is never
// split.
func compactionCut(msgs []models.Message, keepRatio float64) int {
	if keepRatio < 0 {
		keepRatio = 0
	}
	if keepRatio > 1 {
		keepRatio = 1
	}
	keep := int(math.Ceil(float64(len(msgs)) * keepRatio))
	cut := len(msgs) - keep
	for cut < len(msgs) && msgs[cut].Role == models.RoleToolResult {
		cut++
	}
	return cut
}
