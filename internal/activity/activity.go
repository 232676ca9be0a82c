// Package activity is the append-only event feed a polling client reads to
// show workflow progress. Events carry a monotonically increasing sequence
// number; clients keep their own cursor and ask for everything after it, so
// the server holds no per-client state.
package activity

import (
	"sync"
	"time"

	"colloquy/internal/session"
)

// Kind classifies an event for rendering.
type Kind string

const (
	KindStatus  Kind = "status"
	KindMessage Kind = "message"
	KindError   Kind = "error"
)

// Event is one feed entry. Immutable once appended.
type Event struct {
	Seq       int64         `json:"seq"`
	Stage     session.Stage `json:"stage"`
	Kind      Kind          `json:"kind"`
	Actor     string        `json:"actor"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
}

// Log is a per-session append-only event store.
type Log struct {
	mu     sync.RWMutex
	events []Event
	seq    int64
	now    func() time.Time
}

// Option customizes log construction.
type Option func(*Log)

// WithClock injects a deterministic clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewLog creates an empty activity log.
func NewLog(opts ...Option) *Log {
	l := &Log{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Append records an event and returns its assigned sequence number.
func (l *Log) Append(stage session.Stage, kind Kind, actor, text string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.events = append(l.events, Event{
		Seq:       l.seq,
		Stage:     stage,
		Kind:      kind,
		Actor:     actor,
		Text:      text,
		Timestamp: l.now(),
	})
	return l.seq
}

// Since returns a copy of every event with Seq > cursor, in order.
func (l *Log) Since(cursor int64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	// Sequence numbers are dense and 1-based, so the cursor indexes directly.
	start := int(cursor)
	if start < 0 {
		start = 0
	}
	if start >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Tail returns up to n most recent events.
func (l *Log) Tail(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || len(l.events) == 0 {
		return nil
	}
	start := len(l.events) - n
	if start < 0 {
		start = 0
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Cursor returns the sequence number of the most recent event.
func (l *Log) Cursor() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}
