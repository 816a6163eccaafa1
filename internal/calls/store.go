package calls

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrCallNotFound = errors.New("calls: call not found")

// Store persists call records. Reads return snapshots and never block
// writers.
type Store interface {
	Create(ctx context.Context, c Call) error
	Update(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)

	// ListEndedWithoutOutcome returns calls stuck in ended past the cutoff.
	// Reconciliation uses it to re-open the disposition gate.
	ListEndedWithoutOutcome(ctx context.Context, endedBefore time.Time) ([]Call, error)
}

// MemoryStore is the in-process Store for tests and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[string]Call
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]Call)}
}

func (s *MemoryStore) Create(_ context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; ok {
		return fmt.Errorf("calls: duplicate call id %s", c.ID)
	}
	s.calls[c.ID] = c
	return nil
}

func (s *MemoryStore) Update(_ context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, c.ID)
	}
	s.calls[c.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	return c, nil
}

func (s *MemoryStore) ListEndedWithoutOutcome(_ context.Context, endedBefore time.Time) ([]Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Call
	for _, c := range s.calls {
		if c.State == StateEnded && c.Outcome == "" && c.EndedAt != nil && c.EndedAt.Before(endedBefore) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.Before(*out[j].EndedAt) })
	return out, nil
}
