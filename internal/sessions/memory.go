package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/models"
)

// MemorySession is an in-memory Session for tests and ephemeral runs.
type MemorySession struct {
	mu        sync.RWMutex
	id        string
	messages  []models.Message
	metadata  map[string]any
	summarize Summarizer
}

// NewMemorySession creates an in-memory session. An empty id gets a
// generated one; a nil summarizer falls back to DefaultSummarizer.
func NewMemorySession(id string, summarize Summarizer) *MemorySession {
	if id == "" {
		id = uuid.NewString()
	}
	if summarize == nil {
		summarize = DefaultSummarizer
	}
	return &MemorySession{
		id:        id,
		metadata:  make(map[string]any),
		summarize: summarize,
	}
}

func (s *MemorySession) Append(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *MemorySession) AppendMany(msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
	return nil
}

func (s *MemorySession) Path() ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *MemorySession) CurrentID() (string, bool) {
	return s.id, true
}

// Save writes the transcript as <id>.json under dir.
func (s *MemorySession) Save(dir string) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.messages, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, s.id+".json"), data, 0o644)
}

func (s *MemorySession) Compact(keepRatio float64) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.messages)
	cut := compactionCut(s.messages, keepRatio)
	if cut <= 0 {
		return before, before, nil
	}

	removed := make([]models.Message, cut)
	copy(removed, s.messages[:cut])
	summary := models.UserMessage(s.summarize(removed))

	kept := s.messages[cut:]
	compacted := make([]models.Message, 0, len(kept)+1)
	compacted = append(compacted, summary)
	compacted = append(compacted, kept...)
	s.messages = compacted

	return before, len(s.messages), nil
}

func (s *MemorySession) SetMetadata(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
	return nil
}

func (s *MemorySession) GetMetadata(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metadata[key]
	return v, ok
}
