package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"dialcore/internal/agents"
	"dialcore/internal/calls"
)

func endedCall(id, agentID string, endedAt time.Time) calls.Call {
	return calls.Call{
		ID:            id,
		OrgID:         "org1",
		AgentID:       agentID,
		CampaignID:    "camp1",
		ContactID:     "contact1",
		ContactNumber: "+15550001",
		Direction:     calls.DirectionOutbound,
		State:         calls.StateEnded,
		Reason:        calls.ReasonRemoteHangup,
		StartedAt:     endedAt.Add(-time.Minute),
		EndedAt:       &endedAt,
		UpdatedAt:     endedAt,
	}
}

func TestSweepReopensGateForStuckCalls(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := calls.NewMemoryStore()
	tracker := agents.NewTracker(nil, nil, agents.Config{})
	tracker.Register("agent1", "org1")
	tracker.SetStatus(context.Background(), "agent1", agents.StatusAvailable)
	tracker.JoinCampaign("agent1", "camp1")

	ctx := context.Background()
	store.Create(ctx, endedCall("call-old", "agent1", now.Add(-10*time.Minute)))
	store.Create(ctx, endedCall("call-fresh", "agent1", now.Add(-time.Minute)))

	disposed := endedCall("call-done", "agent1", now.Add(-10*time.Minute))
	disposed.State = calls.StateDisposed
	disposed.Outcome = "sale_made"
	store.Create(ctx, disposed)

	s := NewSweeper(store, nil, tracker, Config{
		Grace: 5 * time.Minute,
		Clock: func() time.Time { return now },
	})

	n, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Only the call past the grace window counts; fresh and disposed calls
	// are untouched.
	if n != 1 {
		t.Fatalf("want 1 violation, got %d", n)
	}
	if err := tracker.CanClaim(ctx, "camp1", "agent1"); !errors.Is(err, agents.ErrPendingDisposition) {
		t.Fatalf("expected gate re-opened, got %v", err)
	}
	a, _ := tracker.Get("agent1")
	if a.OwnedCallID != "call-old" {
		t.Fatalf("gate must point at the stuck call, got %q", a.OwnedCallID)
	}
}

func TestSweepDoesNotFabricateDisposition(t *testing.T) {
	now := time.Now().UTC()
	store := calls.NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, endedCall("call1", "agent1", now.Add(-time.Hour)))

	s := NewSweeper(store, nil, nil, Config{Grace: time.Minute})
	if _, err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := store.Get(ctx, "call1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != calls.StateEnded || got.Outcome != "" {
		t.Fatalf("sweep must not mutate the call: %+v", got)
	}
}

func TestSweepEmptyStore(t *testing.T) {
	s := NewSweeper(calls.NewMemoryStore(), nil, nil, Config{})
	n, err := s.Run(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("want clean sweep, got n=%d err=%v", n, err)
	}
}
