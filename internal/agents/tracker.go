// Package agents tracks agent presence, campaign eligibility and the
// pending-disposition gate that keeps agents from claiming new work while a
// finished call awaits its outcome.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dialcore/internal/dialqueue"
	"dialcore/internal/events"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

var (
	ErrNotFound   = errors.New("agents: agent not found")
	ErrValidation = errors.New("agents: validation failed")

	// ErrPendingDisposition blocks new claims while an ended call is still
	// waiting for its outcome.
	ErrPendingDisposition = errors.New("agents: disposition pending")

	// ErrNotAvailable blocks claims from agents not in the available status.
	ErrNotAvailable = errors.New("agents: agent not available")

	// ErrNotMember blocks claims from campaigns the agent has not joined.
	ErrNotMember = errors.New("agents: agent not joined to campaign")

	// ErrOwnsCall enforces the one-non-terminal-call-per-agent invariant.
	ErrOwnsCall = errors.New("agents: agent already owns an active call")
)

// Agent is the tracked presence record. OwnedCallID holds the id of the
// agent's single non-terminal call; it is cleared only when that call reaches
// disposed or failed.
type Agent struct {
	ID                 string          `json:"id"`
	OrgID              string          `json:"org_id"`
	Status             Status          `json:"status"`
	Campaigns          map[string]bool `json:"campaigns"`
	OwnedCallID        string          `json:"owned_call_id,omitempty"`
	PendingDisposition bool            `json:"pending_disposition"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ClaimReleaser releases an agent's claimed-but-not-dialing queue entries.
// The dial queue manager implements it.
type ClaimReleaser interface {
	ReleaseClaimsFor(ctx context.Context, agentID, reason string) int
}

// Config controls tracker behavior. Zero values get safe defaults.
type Config struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

// Tracker is the in-memory availability registry. It implements the dial
// queue's ClaimGate.
type Tracker struct {
	bus      *events.Bus
	releaser ClaimReleaser
	clock    func() time.Time
	logger   *slog.Logger

	mu         sync.Mutex
	agents     map[string]*Agent
	availByOrg map[string]int
}

func NewTracker(bus *events.Bus, releaser ClaimReleaser, cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		bus:        bus,
		releaser:   releaser,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		agents:     make(map[string]*Agent),
		availByOrg: make(map[string]int),
	}
}

// Register creates the presence record. New agents start offline.
func (t *Tracker) Register(agentID, orgID string) (Agent, error) {
	if agentID == "" || orgID == "" {
		return Agent{}, fmt.Errorf("%w: agent_id and org_id are required", ErrValidation)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.agents[agentID]; ok {
		return snapshot(a), nil
	}
	a := &Agent{
		ID:        agentID,
		OrgID:     orgID,
		Status:    StatusOffline,
		Campaigns: make(map[string]bool),
		UpdatedAt: t.clock().UTC(),
	}
	t.agents[agentID] = a
	return snapshot(a), nil
}

// SetStatus transitions the agent's presence. Leaving available releases
// every claimed-but-not-dialing entry the agent holds; the tracker only
// changes eligibility and never starts or stops dialing itself.
func (t *Tracker) SetStatus(ctx context.Context, agentID string, status Status) (Agent, error) {
	if !status.Valid() {
		return Agent{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return Agent{}, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	prev := a.Status
	if prev == status {
		snap := snapshot(a)
		t.mu.Unlock()
		return snap, nil
	}
	a.Status = status
	a.UpdatedAt = t.clock().UTC()

	countChanged := false
	if prev == StatusAvailable {
		t.availByOrg[a.OrgID]--
		countChanged = true
	}
	if status == StatusAvailable {
		t.availByOrg[a.OrgID]++
		countChanged = true
	}
	count := t.availByOrg[a.OrgID]
	snap := snapshot(a)
	t.mu.Unlock()

	if prev == StatusAvailable && t.releaser != nil {
		released := t.releaser.ReleaseClaimsFor(ctx, agentID, dialqueue.ReleaseReasonAgentUnavailable)
		if released > 0 {
			t.logger.Info("released claims on status change",
				"agent_id", agentID, "status", status, "released", released)
		}
	}

	t.publish(ctx, events.Event{
		Category: events.CategoryAgent,
		Type:     events.TypeAgentStatus,
		Priority: events.PriorityMedium,
		OrgID:    snap.OrgID,
		AgentID:  agentID,
		Payload: events.AgentPayload{
			Status:         string(status),
			PreviousStatus: string(prev),
		},
	})
	if countChanged {
		// Pacing policies consume this; the core itself never acts on it.
		t.publish(ctx, events.Event{
			Category: events.CategoryAgent,
			Type:     events.TypeAgentAvailability,
			Priority: events.PriorityLow,
			OrgID:    snap.OrgID,
			AgentID:  agentID,
			Payload: events.AgentPayload{
				Status:         string(status),
				AvailableCount: count,
			},
		})
	}
	return snap, nil
}

// JoinCampaign adds the agent to a campaign's claim eligibility.
func (t *Tracker) JoinCampaign(agentID, campaignID string) error {
	if campaignID == "" {
		return fmt.Errorf("%w: campaign_id is required", ErrValidation)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	a.Campaigns[campaignID] = true
	a.UpdatedAt = t.clock().UTC()
	return nil
}

// LeaveCampaign removes claim eligibility and releases held claims.
func (t *Tracker) LeaveCampaign(ctx context.Context, agentID, campaignID string) error {
	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	delete(a.Campaigns, campaignID)
	a.UpdatedAt = t.clock().UTC()
	t.mu.Unlock()

	if t.releaser != nil {
		t.releaser.ReleaseClaimsFor(ctx, agentID, dialqueue.ReleaseReasonAgentUnavailable)
	}
	return nil
}

// CanClaim implements dialqueue.ClaimGate. The checks are ordered from the
// agent's own state outward so rejections carry the most actionable error.
func (t *Tracker) CanClaim(_ context.Context, campaignID, agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if a.PendingDisposition {
		return fmt.Errorf("%w: call %s awaits an outcome", ErrPendingDisposition, a.OwnedCallID)
	}
	if a.OwnedCallID != "" {
		return fmt.Errorf("%w: call %s", ErrOwnsCall, a.OwnedCallID)
	}
	if a.Status != StatusAvailable {
		return fmt.Errorf("%w: status %s", ErrNotAvailable, a.Status)
	}
	if !a.Campaigns[campaignID] {
		return fmt.Errorf("%w: campaign %s", ErrNotMember, campaignID)
	}
	return nil
}

// AssignCall records call ownership. Rejected while the agent still owns a
// non-terminal call.
func (t *Tracker) AssignCall(agentID, callID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if a.OwnedCallID != "" && a.OwnedCallID != callID {
		return fmt.Errorf("%w: call %s", ErrOwnsCall, a.OwnedCallID)
	}
	a.OwnedCallID = callID
	a.UpdatedAt = t.clock().UTC()
	return nil
}

// MarkPendingDisposition closes the claim gate: the owned call has ended and
// awaits its outcome.
func (t *Tracker) MarkPendingDisposition(agentID, callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[agentID]
	if !ok || a.OwnedCallID != callID {
		return
	}
	a.PendingDisposition = true
	a.UpdatedAt = t.clock().UTC()
}

// ResolveCall clears ownership and the pending gate. Called only when the
// call reaches disposed or failed.
func (t *Tracker) ResolveCall(agentID, callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[agentID]
	if !ok || a.OwnedCallID != callID {
		return
	}
	a.OwnedCallID = ""
	a.PendingDisposition = false
	a.UpdatedAt = t.clock().UTC()
}

// ReopenDispositionGate re-blocks the agent for a call found ended without an
// outcome. Used by reconciliation; it never fabricates a disposition.
func (t *Tracker) ReopenDispositionGate(agentID, callID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	a.OwnedCallID = callID
	a.PendingDisposition = true
	a.UpdatedAt = t.clock().UTC()
	return nil
}

// Get returns a snapshot of one agent.
func (t *Tracker) Get(agentID string) (Agent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return snapshot(a), nil
}

// AvailableCount reports the number of available agents in an organization.
func (t *Tracker) AvailableCount(orgID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.availByOrg[orgID]
}

func (t *Tracker) publish(ctx context.Context, ev events.Event) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(ctx, ev); err != nil {
		t.logger.Error("agent event publish failed", "type", ev.Type, "agent_id", ev.AgentID, "err", err)
	}
}

func snapshot(a *Agent) Agent {
	out := *a
	out.Campaigns = make(map[string]bool, len(a.Campaigns))
	for k, v := range a.Campaigns {
		out.Campaigns[k] = v
	}
	return out
}
