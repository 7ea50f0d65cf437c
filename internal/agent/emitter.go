package agent

import (
	"sync"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

const (
	// debugRingCap bounds the per-session debug buffer; oldest entries are
	// trimmed first.
	debugRingCap = 400

	// maxRecentLimit caps a single Recent query.
	maxRecentLimit = 500

	// subscriberBuffer is the per-subscriber channel buffer. Sends never
	// block: a full subscriber drops events rather than stalling the loop.
	subscriberBuffer = 512
)

// DebugEntry is one buffered event with its emit timestamp.
type DebugEntry struct {
	TimestampMS int64             `json:"timestamp_ms"`
	Event       models.AgentEvent `json:"event"`
}

// Broker is a process-wide publish/subscribe fan-out keyed by session ID,
// with an optional bounded debug log per session. Safe for concurrent use.
type Broker struct {
	mu    sync.RWMutex
	subs  map[string]map[int]chan models.AgentEvent
	next  int
	debug map[string][]DebugEntry
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs:  make(map[string]map[int]chan models.AgentEvent),
		debug: make(map[string][]DebugEntry),
	}
}

// Subscribe registers a subscriber for a session's events. The returned
// cancel function removes the subscription and closes the channel.
func (b *Broker) Subscribe(sessionID string) (<-chan models.AgentEvent, func()) {
	ch := make(chan models.AgentEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan models.AgentEvent)
	}
	b.subs[sessionID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[sessionID]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subs, sessionID)
			}
		}
	}
	return ch, cancel
}

// Broadcast delivers the event to every subscriber of its session. When
// debugLog is true the event is also appended to the session's ring buffer.
func (b *Broker) Broadcast(event models.AgentEvent, debugLog bool) {
	b.mu.Lock()
	if debugLog {
		buf := append(b.debug[event.SessionID], DebugEntry{
			TimestampMS: event.Time.UnixMilli(),
			Event:       event,
		})
		if overflow := len(buf) - debugRingCap; overflow > 0 {
			buf = buf[overflow:]
		}
		b.debug[event.SessionID] = buf
	}
	subs := make([]chan models.AgentEvent, 0, len(b.subs[event.SessionID]))
	for _, ch := range b.subs[event.SessionID] {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; drop rather than block the loop.
		}
	}
}

// Recent returns up to limit buffered debug entries for the session,
// newest first. Limits above maxRecentLimit are clamped.
func (b *Broker) Recent(sessionID string, limit int) []DebugEntry {
	if limit <= 0 || limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	buf := b.debug[sessionID]
	if len(buf) < limit {
		limit = len(buf)
	}
	out := make([]DebugEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = buf[len(buf)-1-i]
	}
	return out
}

// Clear drops all buffered debug entries for the session.
func (b *Broker) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.debug, sessionID)
}

// defaultBroker is the process-wide broker used when an agent is not given
// an explicit one.
var defaultBroker = NewBroker()

// DefaultBroker returns the process-wide broker.
func DefaultBroker() *Broker { return defaultBroker }

// now is stubbed in tests.
var now = time.Now
