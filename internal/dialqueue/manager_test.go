package dialqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dialcore/internal/events"
)

type denyGate struct{ err error }

func (g denyGate) CanClaim(context.Context, string, string) error { return g.err }

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	return NewManager(nil, NewMemoryLease(), nil, cfg)
}

func TestEnqueueRejectsActiveDuplicate(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "camp1", "contact1", "+15550001"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := m.Enqueue(ctx, "camp1", "contact1", "+15550001"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Same contact in another campaign is a different identity.
	if _, err := m.Enqueue(ctx, "camp2", "contact1", "+15550001"); err != nil {
		t.Fatalf("other campaign enqueue: %v", err)
	}
}

func TestClaimNextIsFIFO(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	first, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	second, _ := m.Enqueue(ctx, "camp1", "contact2", "+15550002")

	got, err := m.ClaimNext(ctx, "camp1", "agent1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected oldest entry %s, got %s", first.ID, got.ID)
	}
	if got.Status != StatusClaimed || got.ClaimedBy != "agent1" || got.ClaimedAt == nil {
		t.Fatalf("claim did not mark entry: %+v", got)
	}

	got, err = m.ClaimNext(ctx, "camp1", "agent2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected %s next, got %s", second.ID, got.ID)
	}
}

func TestClaimNextEmptyQueue(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if _, err := m.ClaimNext(ctx, "camp1", "agent1"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}

	// A drained queue behaves the same as a never-used one.
	e, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	if _, err := m.ClaimNext(ctx, "camp1", "agent1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.ClaimNext(ctx, "camp1", "agent2"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty on drained queue, got %v", err)
	}
	got, ok := m.Entry(e.ID)
	if !ok || got.ClaimedBy != "agent1" {
		t.Fatalf("failed empty claim must not mutate existing claims: %+v", got)
	}
}

func TestClaimGateRejection(t *testing.T) {
	gateErr := errors.New("agent not available")
	m := NewManager(nil, NewMemoryLease(), denyGate{err: gateErr}, Config{})
	ctx := context.Background()

	m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	if _, err := m.ClaimNext(ctx, "camp1", "agent1"); !errors.Is(err, gateErr) {
		t.Fatalf("expected gate error, got %v", err)
	}
	if m.Depth("camp1") != 1 {
		t.Fatalf("rejected claim must not consume the entry")
	}
}

func TestReleaseReturnsEntryToTail(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	first, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	m.Enqueue(ctx, "camp1", "contact2", "+15550002")

	claimed, _ := m.ClaimNext(ctx, "camp1", "agent1")
	if claimed.ID != first.ID {
		t.Fatalf("setup: expected first entry claimed")
	}
	if err := m.Release(ctx, first.ID, ReleaseReasonManual); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, ok := m.Entry(first.ID)
	if !ok || got.Status != StatusQueued || got.ClaimedBy != "" {
		t.Fatalf("released entry not back in queued: %+v", got)
	}

	// contact2 is now ahead of the released entry.
	next, _ := m.ClaimNext(ctx, "camp1", "agent1")
	if next.ContactID != "contact2" {
		t.Fatalf("release must append to tail, got %s first", next.ContactID)
	}
	last, _ := m.ClaimNext(ctx, "camp1", "agent1")
	if last.ID != first.ID {
		t.Fatalf("expected released entry at tail")
	}
}

func TestReleaseRequiresClaimedStatus(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	e, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	if err := m.Release(ctx, e.ID, ReleaseReasonManual); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for queued entry, got %v", err)
	}
	if err := m.Release(ctx, "missing", ReleaseReasonManual); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimTimeoutAutoReleases(t *testing.T) {
	m := newTestManager(t, Config{ClaimTTL: 20 * time.Millisecond})
	ctx := context.Background()

	e, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	if _, err := m.ClaimNext(ctx, "camp1", "agent1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, ok := m.Entry(e.ID)
		if ok && got.Status == StatusQueued && got.ClaimedBy == "" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("claim not auto-released after TTL: %+v", got)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMarkDialingDisarmsClaimTimeout(t *testing.T) {
	m := newTestManager(t, Config{ClaimTTL: 20 * time.Millisecond})
	ctx := context.Background()

	e, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	m.ClaimNext(ctx, "camp1", "agent1")
	if err := m.MarkDialing(ctx, e.ID); err != nil {
		t.Fatalf("mark dialing: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	got, ok := m.Entry(e.ID)
	if !ok || got.Status != StatusDialing {
		t.Fatalf("dialing entry must survive the claim TTL: %+v", got)
	}
}

func TestMarkCompletedRetiresEntry(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	e, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	m.ClaimNext(ctx, "camp1", "agent1")
	m.MarkDialing(ctx, e.ID)

	if err := m.MarkCompleted(ctx, e.ID, "sale_made"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if _, ok := m.Entry(e.ID); ok {
		t.Fatalf("completed entry must be retired")
	}
	// Identity freed: the contact may be enqueued again.
	if _, err := m.Enqueue(ctx, "camp1", "contact1", "+15550001"); err != nil {
		t.Fatalf("re-enqueue after completion: %v", err)
	}
}

func TestMarkCompletedRedialOutcomeRequeues(t *testing.T) {
	m := newTestManager(t, Config{RedialOutcomes: []string{"no_answer", "busy"}})
	ctx := context.Background()

	e, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	m.Enqueue(ctx, "camp1", "contact2", "+15550002")

	m.ClaimNext(ctx, "camp1", "agent1")
	m.MarkDialing(ctx, e.ID)
	if err := m.MarkCompleted(ctx, e.ID, "no_answer"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	got, ok := m.Entry(e.ID)
	if !ok || got.Status != StatusQueued {
		t.Fatalf("redial outcome must requeue the entry: %+v", got)
	}
	// Requeued at the tail, behind contact2.
	next, _ := m.ClaimNext(ctx, "camp1", "agent1")
	if next.ContactID != "contact2" {
		t.Fatalf("redialed entry must go to the tail")
	}
}

func TestReleaseClaimsForAgent(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	a, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	b, _ := m.Enqueue(ctx, "camp2", "contact2", "+15550002")
	c, _ := m.Enqueue(ctx, "camp1", "contact3", "+15550003")

	m.ClaimNext(ctx, "camp1", "agent1") // a
	m.ClaimNext(ctx, "camp2", "agent1") // b
	m.ClaimNext(ctx, "camp1", "agent2") // c
	m.MarkDialing(ctx, b.ID)            // dialing entries are not releasable

	n := m.ReleaseClaimsFor(ctx, "agent1", ReleaseReasonAgentUnavailable)
	if n != 1 {
		t.Fatalf("expected 1 release, got %d", n)
	}
	if got, _ := m.Entry(a.ID); got.Status != StatusQueued {
		t.Fatalf("agent1 claim not released: %+v", got)
	}
	if got, _ := m.Entry(b.ID); got.Status != StatusDialing {
		t.Fatalf("dialing entry must not be released: %+v", got)
	}
	if got, _ := m.Entry(c.ID); got.Status != StatusClaimed || got.ClaimedBy != "agent2" {
		t.Fatalf("other agent's claim must survive: %+v", got)
	}
}

func TestRemoveRetiresQueuedEntry(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	e, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	if err := m.Remove(ctx, e.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := m.Entry(e.ID); ok {
		t.Fatalf("removed entry must be retired")
	}
	if m.Depth("camp1") != 0 {
		t.Fatalf("removed entry must leave the queue")
	}
}

func TestLeaseHeldElsewhereIsSkipped(t *testing.T) {
	lease := NewMemoryLease()
	m := NewManager(nil, lease, nil, Config{})
	ctx := context.Background()

	first, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	second, _ := m.Enqueue(ctx, "camp1", "contact2", "+15550002")

	// Another process holds the lease for the head entry.
	if ok, _ := lease.Acquire(ctx, first.ID, "other-process", time.Minute); !ok {
		t.Fatalf("setup: lease acquire failed")
	}

	got, err := m.ClaimNext(ctx, "camp1", "agent1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected lease-held head to be skipped, got %s", got.ID)
	}
}

func TestQueueEventsPublished(t *testing.T) {
	bus := events.NewBus(events.Config{MaxAttempts: 1})
	defer bus.Close()

	var mu sync.Mutex
	var types []string
	bus.Subscribe(events.Filter{Rooms: []string{events.RoomCampaign("camp1")}}, func(_ context.Context, ev events.Event) error {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
		return nil
	})

	m := NewManager(bus, NewMemoryLease(), nil, Config{MaxDepth: 1})
	ctx := context.Background()

	e, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	m.Enqueue(ctx, "camp1", "contact2", "+15550002") // past MaxDepth
	m.ClaimNext(ctx, "camp1", "agent1")
	m.MarkDialing(ctx, e.ID)
	m.MarkCompleted(ctx, e.ID, "sale_made")

	want := []string{
		events.TypeQueueEnqueued,
		events.TypeQueueEnqueued,
		events.TypeQueueOverflow,
		events.TypeQueueClaimed,
		events.TypeQueueDialing,
		events.TypeQueueCompleted,
	}
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(types)
		mu.Unlock()
		if n >= len(want) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", types)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, w := range want {
		if types[i] != w {
			t.Fatalf("event %d: want %s, got %s (all: %v)", i, w, types[i], types)
		}
	}
}

// A claim deadline belongs to the claim it was armed for. After the first
// claim expires and the entry is re-claimed, the fresh claim runs on a fresh
// deadline and marking it dialing retires the deadline for good.
func TestExpiredClaimDeadlineDoesNotShortenReclaim(t *testing.T) {
	m := newTestManager(t, Config{ClaimTTL: 40 * time.Millisecond})
	ctx := context.Background()

	e, _ := m.Enqueue(ctx, "camp1", "contact1", "+15550001")
	if _, err := m.ClaimNext(ctx, "camp1", "agent1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, ok := m.Entry(e.ID)
		if ok && got.Status == StatusQueued {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first claim never timed out: %+v", got)
		case <-time.After(5 * time.Millisecond):
		}
	}

	reclaimed, err := m.ClaimNext(ctx, "camp1", "agent2")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	// Half the new TTL in: the expired generation must not have touched it.
	time.Sleep(20 * time.Millisecond)
	got, ok := m.Entry(reclaimed.ID)
	if !ok || got.Status != StatusClaimed || got.ClaimedBy != "agent2" {
		t.Fatalf("reclaim released early: %+v", got)
	}

	if err := m.MarkDialing(ctx, reclaimed.ID); err != nil {
		t.Fatalf("mark dialing: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	got, _ = m.Entry(reclaimed.ID)
	if got.Status != StatusDialing {
		t.Fatalf("deadline fired on a dialing entry: %+v", got)
	}
}
