// Package dialqueue maintains the per-campaign FIFO queues of dialable
// contacts and guarantees exclusive, time-bounded claims.
package dialqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dialcore/internal/events"
	"dialcore/internal/metrics"

	"github.com/google/uuid"
)

var (
	// ErrValidation signals malformed input.
	ErrValidation = errors.New("dialqueue: validation failed")

	// ErrConflict signals a duplicate: an active entry already exists for the
	// (campaign, contact) pair.
	ErrConflict = errors.New("dialqueue: conflict")

	// ErrEmpty is the expected empty-queue outcome of ClaimNext. It is normal
	// control flow, not a failure, and is never logged as an error.
	ErrEmpty = errors.New("dialqueue: no queued entries")

	// ErrNotFound signals an unknown or already-retired entry id.
	ErrNotFound = errors.New("dialqueue: entry not found")

	// ErrInvalidStatus signals a transition not allowed from the entry's
	// current status.
	ErrInvalidStatus = errors.New("dialqueue: invalid status transition")
)

// ClaimGate decides whether an agent may claim from a campaign right now.
// The agent tracker implements this: availability, campaign membership and
// the pending-disposition gate all live there.
type ClaimGate interface {
	CanClaim(ctx context.Context, campaignID, agentID string) error
}

// ReleaseReason records why a claimed entry went back to the tail.
const (
	ReleaseReasonAgentUnavailable = "agent_unavailable"
	ReleaseReasonClaimTimeout     = "claim_timeout"
	ReleaseReasonManual           = "manual"
)

// Config controls queue behavior. Zero values get safe defaults.
type Config struct {
	// ClaimTTL bounds the claimed-but-not-dialing lifetime of an entry.
	ClaimTTL time.Duration

	// MaxDepth is the per-campaign depth past which Enqueue publishes a
	// queue-overflow event. Zero disables the check.
	MaxDepth int

	// RedialOutcomes requeue the entry at the tail instead of retiring it
	// when MarkCompleted records one of them.
	RedialOutcomes []string

	Clock  func() time.Time
	Logger *slog.Logger
}

// Manager owns every campaign queue. Each campaign serializes its own
// mutations behind one mutex — the single serialization point that prevents
// two agents from claiming the same entry — while distinct campaigns proceed
// fully in parallel.
type Manager struct {
	bus   *events.Bus
	lease Lease
	gate  ClaimGate

	claimTTL time.Duration
	maxDepth int
	redial   map[string]struct{}
	clock    func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	campaigns map[string]*campaignQueue
	byEntry   map[string]*campaignQueue
}

func NewManager(bus *events.Bus, lease Lease, gate ClaimGate, cfg Config) *Manager {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if lease == nil {
		lease = NewMemoryLease()
	}
	redial := make(map[string]struct{}, len(cfg.RedialOutcomes))
	for _, o := range cfg.RedialOutcomes {
		redial[o] = struct{}{}
	}
	return &Manager{
		bus:       bus,
		lease:     lease,
		gate:      gate,
		claimTTL:  cfg.ClaimTTL,
		maxDepth:  cfg.MaxDepth,
		redial:    redial,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		campaigns: make(map[string]*campaignQueue),
		byEntry:   make(map[string]*campaignQueue),
	}
}

type campaignQueue struct {
	id string

	mu              sync.Mutex
	order           []*Entry          // entries in status queued, FIFO
	entries         map[string]*Entry // all non-terminal entries by id
	activeByContact map[string]string // contactID -> entryID
	timers          map[string]*time.Timer
	claimGens       map[string]uint64 // entryID -> claim generation
}

// BindGate wires the claim gate after construction. The gate (agent tracker)
// and the queue reference each other, so one side binds late.
func (m *Manager) BindGate(g ClaimGate) {
	m.mu.Lock()
	m.gate = g
	m.mu.Unlock()
}

func (m *Manager) claimGate() ClaimGate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate
}

func (m *Manager) campaign(id string) *campaignQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.campaigns[id]
	if !ok {
		q = &campaignQueue{
			id:              id,
			entries:         make(map[string]*Entry),
			activeByContact: make(map[string]string),
			timers:          make(map[string]*time.Timer),
			claimGens:       make(map[string]uint64),
		}
		m.campaigns[id] = q
	}
	return q
}

func (m *Manager) queueOf(entryID string) (*campaignQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.byEntry[entryID]
	return q, ok
}

// Enqueue appends a contact to a campaign's queue tail. Fails with
// ErrConflict if an active entry for the pair already exists. Exceeding the
// configured depth publishes a queue-overflow event instead of failing;
// callers decide whether to throttle intake.
func (m *Manager) Enqueue(ctx context.Context, campaignID, contactID, contactNumber string) (Entry, error) {
	if campaignID == "" || contactID == "" {
		return Entry{}, fmt.Errorf("%w: campaign_id and contact_id are required", ErrValidation)
	}
	q := m.campaign(campaignID)

	q.mu.Lock()
	if _, ok := q.activeByContact[contactID]; ok {
		q.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: contact %s already queued in campaign %s", ErrConflict, contactID, campaignID)
	}
	e := &Entry{
		ID:            uuid.NewString(),
		CampaignID:    campaignID,
		ContactID:     contactID,
		ContactNumber: contactNumber,
		Status:        StatusQueued,
		EnqueuedAt:    m.clock().UTC(),
	}
	q.order = append(q.order, e)
	q.entries[e.ID] = e
	q.activeByContact[contactID] = e.ID
	depth := len(q.order)
	snapshot := *e
	q.mu.Unlock()

	m.mu.Lock()
	m.byEntry[snapshot.ID] = q
	m.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(campaignID).Set(float64(depth))
	m.publishQueueEvent(ctx, events.TypeQueueEnqueued, snapshot, events.QueuePayload{
		EntryID:   snapshot.ID,
		ContactID: contactID,
		Status:    string(StatusQueued),
		Depth:     depth,
	}, events.PriorityLow)

	if m.maxDepth > 0 && depth > m.maxDepth {
		metrics.QueueOverflowTotal.Inc()
		m.publishQueueEvent(ctx, events.TypeQueueOverflow, snapshot, events.QueuePayload{
			EntryID: snapshot.ID,
			Depth:   depth,
			Reason:  fmt.Sprintf("depth %d exceeds limit %d", depth, m.maxDepth),
		}, events.PriorityHigh)
	}

	return snapshot, nil
}

// ClaimNext atomically hands the oldest queued entry of a campaign to an
// agent. Returns ErrEmpty when the queue has nothing claimable; no entry is
// mutated in that case.
func (m *Manager) ClaimNext(ctx context.Context, campaignID, agentID string) (Entry, error) {
	if agentID == "" {
		return Entry{}, fmt.Errorf("%w: agent_id is required", ErrValidation)
	}
	if gate := m.claimGate(); gate != nil {
		if err := gate.CanClaim(ctx, campaignID, agentID); err != nil {
			metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
			return Entry{}, err
		}
	}

	q := m.campaign(campaignID)
	q.mu.Lock()
	defer q.mu.Unlock()

	// Oldest first. An entry whose lease is held elsewhere is being claimed
	// by another process; skip it rather than block.
	for i, e := range q.order {
		ok, err := m.lease.Acquire(ctx, e.ID, agentID, m.claimTTL)
		if err != nil {
			return Entry{}, err
		}
		if !ok {
			continue
		}

		now := m.clock().UTC()
		e.Status = StatusClaimed
		e.ClaimedBy = agentID
		e.ClaimedAt = &now
		q.order = append(q.order[:i], q.order[i+1:]...)
		q.claimGens[e.ID]++
		m.armClaimTimerLocked(q, e.ID, q.claimGens[e.ID])

		metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
		metrics.QueueDepth.WithLabelValues(campaignID).Set(float64(len(q.order)))
		m.publishQueueEvent(ctx, events.TypeQueueClaimed, *e, events.QueuePayload{
			EntryID:   e.ID,
			ContactID: e.ContactID,
			Status:    string(StatusClaimed),
		}, events.PriorityMedium)
		return *e, nil
	}

	metrics.ClaimsTotal.WithLabelValues("empty").Inc()
	return Entry{}, ErrEmpty
}

// MarkDialing records that the linked call started dialing. The claim
// timeout no longer applies from here on.
func (m *Manager) MarkDialing(ctx context.Context, entryID string) error {
	q, ok := m.queueOf(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[entryID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	if e.Status != StatusClaimed {
		return fmt.Errorf("%w: cannot dial from %s", ErrInvalidStatus, e.Status)
	}
	e.Status = StatusDialing
	m.disarmClaimTimerLocked(q, entryID)
	_ = m.lease.Release(ctx, entryID, e.ClaimedBy)

	m.publishQueueEvent(ctx, events.TypeQueueDialing, *e, events.QueuePayload{
		EntryID:   e.ID,
		ContactID: e.ContactID,
		Status:    string(StatusDialing),
	}, events.PriorityMedium)
	return nil
}

// MarkCompleted retires an entry with the call's outcome. If the campaign's
// redial policy lists the outcome, the entry re-enters the queue at the tail
// instead.
func (m *Manager) MarkCompleted(ctx context.Context, entryID, outcome string) error {
	q, ok := m.queueOf(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}

	q.mu.Lock()
	e, ok := q.entries[entryID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	if e.Status != StatusClaimed && e.Status != StatusDialing {
		q.mu.Unlock()
		return fmt.Errorf("%w: cannot complete from %s", ErrInvalidStatus, e.Status)
	}
	m.disarmClaimTimerLocked(q, entryID)
	_ = m.lease.Release(ctx, entryID, e.ClaimedBy)

	if _, redial := m.redial[outcome]; redial {
		e.Status = StatusQueued
		e.ClaimedBy = ""
		e.ClaimedAt = nil
		e.Outcome = outcome
		q.order = append(q.order, e)
		depth := len(q.order)
		snapshot := *e
		q.mu.Unlock()

		metrics.QueueDepth.WithLabelValues(snapshot.CampaignID).Set(float64(depth))
		m.publishQueueEvent(ctx, events.TypeQueueReleased, snapshot, events.QueuePayload{
			EntryID:   snapshot.ID,
			ContactID: snapshot.ContactID,
			Status:    string(StatusQueued),
			Reason:    "redial:" + outcome,
			Depth:     depth,
		}, events.PriorityLow)
		return nil
	}

	e.Status = StatusCompleted
	e.Outcome = outcome
	snapshot := *e
	m.retireLocked(q, e)
	q.mu.Unlock()

	m.publishQueueEvent(ctx, events.TypeQueueCompleted, snapshot, events.QueuePayload{
		EntryID:   snapshot.ID,
		ContactID: snapshot.ContactID,
		Status:    string(StatusCompleted),
		Reason:    outcome,
	}, events.PriorityLow)
	return nil
}

// Release returns a claimed entry to the queue tail — never the head, so
// other contacts are not starved.
func (m *Manager) Release(ctx context.Context, entryID, reason string) error {
	q, ok := m.queueOf(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}

	q.mu.Lock()
	e, ok := q.entries[entryID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	if e.Status != StatusClaimed {
		q.mu.Unlock()
		return fmt.Errorf("%w: cannot release from %s", ErrInvalidStatus, e.Status)
	}
	owner := e.ClaimedBy
	m.disarmClaimTimerLocked(q, entryID)
	snapshot, depth := m.requeueLocked(q, e)
	q.mu.Unlock()

	_ = m.lease.Release(ctx, entryID, owner)
	metrics.ClaimReleasesTotal.WithLabelValues(reason).Inc()
	metrics.QueueDepth.WithLabelValues(snapshot.CampaignID).Set(float64(depth))
	m.publishQueueEvent(ctx, events.TypeQueueReleased, snapshot, events.QueuePayload{
		EntryID:   snapshot.ID,
		ContactID: snapshot.ContactID,
		Status:    string(StatusQueued),
		Reason:    reason,
		Depth:     depth,
	}, events.PriorityMedium)
	return nil
}

// ReleaseClaimsFor releases every claimed-but-not-dialing entry held by an
// agent, across all campaigns. Called when the agent leaves available.
func (m *Manager) ReleaseClaimsFor(ctx context.Context, agentID, reason string) int {
	m.mu.Lock()
	queues := make([]*campaignQueue, 0, len(m.campaigns))
	for _, q := range m.campaigns {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	released := 0
	for _, q := range queues {
		q.mu.Lock()
		var ids []string
		for id, e := range q.entries {
			if e.Status == StatusClaimed && e.ClaimedBy == agentID {
				ids = append(ids, id)
			}
		}
		q.mu.Unlock()

		for _, id := range ids {
			if err := m.Release(ctx, id, reason); err == nil {
				released++
			}
		}
	}
	return released
}

// Remove retires an entry because the contact left the list. Terminal.
func (m *Manager) Remove(ctx context.Context, entryID string) error {
	q, ok := m.queueOf(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}

	q.mu.Lock()
	e, ok := q.entries[entryID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	owner := e.ClaimedBy
	m.disarmClaimTimerLocked(q, entryID)
	if e.Status == StatusQueued {
		for i, o := range q.order {
			if o.ID == entryID {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	}
	e.Status = StatusReleased
	snapshot := *e
	m.retireLocked(q, e)
	depth := len(q.order)
	q.mu.Unlock()

	if owner != "" {
		_ = m.lease.Release(ctx, entryID, owner)
	}
	metrics.QueueDepth.WithLabelValues(snapshot.CampaignID).Set(float64(depth))
	return nil
}

// Entry returns a snapshot of a non-terminal entry.
func (m *Manager) Entry(entryID string) (Entry, bool) {
	q, ok := m.queueOf(entryID)
	if !ok {
		return Entry{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[entryID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Depth reports the number of queued entries in a campaign.
func (m *Manager) Depth(campaignID string) int {
	q := m.campaign(campaignID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// retireLocked removes an entry from all indexes. Caller holds q.mu.
func (m *Manager) retireLocked(q *campaignQueue, e *Entry) {
	delete(q.entries, e.ID)
	delete(q.activeByContact, e.ContactID)
	delete(q.claimGens, e.ID)
	m.mu.Lock()
	delete(m.byEntry, e.ID)
	m.mu.Unlock()
}

// requeueLocked returns a claimed entry to the queue tail and reports the new
// depth. Caller holds q.mu.
func (m *Manager) requeueLocked(q *campaignQueue, e *Entry) (Entry, int) {
	e.Status = StatusQueued
	e.ClaimedBy = ""
	e.ClaimedAt = nil
	q.order = append(q.order, e)
	return *e, len(q.order)
}

// armClaimTimerLocked registers the claim-timeout task. Orphaned claims must
// never starve the queue, so every claim carries a deadline from the moment
// it is made. The generation guards a fired timer against a release-and-
// reclaim that happened before it took q.mu: a stale generation means the
// deadline belongs to an earlier claim, and the timer backs off. Caller holds
// q.mu.
func (m *Manager) armClaimTimerLocked(q *campaignQueue, entryID string, gen uint64) {
	q.timers[entryID] = time.AfterFunc(m.claimTTL, func() {
		q.mu.Lock()
		e, ok := q.entries[entryID]
		if !ok || e.Status != StatusClaimed || q.claimGens[entryID] != gen {
			q.mu.Unlock()
			return
		}
		owner := e.ClaimedBy
		m.disarmClaimTimerLocked(q, entryID)
		snapshot, depth := m.requeueLocked(q, e)
		q.mu.Unlock()

		ctx := context.Background()
		_ = m.lease.Release(ctx, entryID, owner)
		metrics.ClaimReleasesTotal.WithLabelValues(ReleaseReasonClaimTimeout).Inc()
		metrics.QueueDepth.WithLabelValues(snapshot.CampaignID).Set(float64(depth))
		m.logger.Warn("claim timed out", "entry_id", entryID, "campaign_id", q.id)
		m.publishQueueEvent(ctx, events.TypeQueueReleased, snapshot, events.QueuePayload{
			EntryID:   snapshot.ID,
			ContactID: snapshot.ContactID,
			Status:    string(StatusQueued),
			Reason:    ReleaseReasonClaimTimeout,
			Depth:     depth,
		}, events.PriorityMedium)
	})
}

func (m *Manager) disarmClaimTimerLocked(q *campaignQueue, entryID string) {
	if t, ok := q.timers[entryID]; ok {
		t.Stop()
		delete(q.timers, entryID)
	}
}

func (m *Manager) publishQueueEvent(ctx context.Context, typ string, e Entry, p events.QueuePayload, prio events.Priority) {
	if m.bus == nil {
		return
	}
	ev := events.Event{
		Category:   events.CategoryQueue,
		Type:       typ,
		Priority:   prio,
		CampaignID: e.CampaignID,
		AgentID:    e.ClaimedBy,
		Payload:    p,
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Error("queue event publish failed", "type", typ, "entry_id", e.ID, "err", err)
	}
}
