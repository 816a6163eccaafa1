package events

import (
	"context"
	"sync"
	"time"
)

// Log is the append-only durable record of published events.
// Append happens before any delivery attempt, so a crash mid-delivery can be
// recovered by replaying the log.
type Log interface {
	Append(ctx context.Context, ev Event) error
	List(ctx context.Context, since time.Time, limit int) ([]Event, error)
}

// MemoryLog is an in-memory Log for tests and single-process development.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Event
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) Append(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, ev)
	return nil
}

func (l *MemoryLog) List(_ context.Context, since time.Time, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0, len(l.entries))
	for _, ev := range l.entries {
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len reports the number of appended entries. Test helper.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
