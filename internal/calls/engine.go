// Package calls owns the per-call state machine: initiated → ringing →
// connected ⇄ on_hold → ended → disposed, with failed reachable from any
// non-terminal state. Every transition publishes its event as part of the
// same logical operation.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dialcore/internal/dispositions"
	"dialcore/internal/events"
	"dialcore/internal/metrics"
	"dialcore/internal/telephony"

	"github.com/google/uuid"
)

var (
	ErrValidation = errors.New("calls: validation failed")

	// ErrInvalidTransition rejects an operation not allowed from the call's
	// current state.
	ErrInvalidTransition = errors.New("calls: invalid transition")
)

// AgentHooks is the engine's view of the availability tracker.
type AgentHooks interface {
	AssignCall(agentID, callID string) error
	MarkPendingDisposition(agentID, callID string)
	ResolveCall(agentID, callID string)
}

// QueueHooks is the engine's view of the dial queue manager.
type QueueHooks interface {
	MarkDialing(ctx context.Context, entryID string) error
	MarkCompleted(ctx context.Context, entryID, outcome string) error
}

// FlowHooks is the engine's view of the flow execution tracker.
type FlowHooks interface {
	CancelForCall(ctx context.Context, callID string)
}

// Config controls engine behavior. Zero values get safe defaults. The hook
// fields may be nil; the engine then skips that collaborator.
type Config struct {
	SetupTimeout time.Duration

	Agents AgentHooks
	Queue  QueueHooks
	Flows  FlowHooks

	Clock  func() time.Time
	Logger *slog.Logger
}

// Engine drives call state. A given call's transitions are serialized behind
// a per-call mutex; transitions on different calls never block each other.
type Engine struct {
	store    Store
	bus      *events.Bus
	registry *dispositions.Registry
	driver   telephony.Driver

	agents AgentHooks
	queue  QueueHooks
	flows  FlowHooks

	setupTimeout time.Duration
	clock        func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	timers map[string]*time.Timer
}

func NewEngine(store Store, bus *events.Bus, registry *dispositions.Registry, driver telephony.Driver, cfg Config) *Engine {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 45 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:        store,
		bus:          bus,
		registry:     registry,
		driver:       driver,
		agents:       cfg.Agents,
		queue:        cfg.Queue,
		flows:        cfg.Flows,
		setupTimeout: cfg.SetupTimeout,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		locks:        make(map[string]*sync.Mutex),
		timers:       make(map[string]*time.Timer),
	}
}

// StartParams describes an outbound call to originate.
type StartParams struct {
	OrgID         string
	AgentID       string
	CampaignID    string
	ContactID     string
	ContactNumber string
	QueueEntryID  string
}

func (p StartParams) validate() error {
	switch {
	case p.CampaignID == "":
		// Every call requires an explicit campaign association; there is no
		// fallback bucket.
		return fmt.Errorf("%w: campaign_id is required", ErrValidation)
	case p.AgentID == "":
		return fmt.Errorf("%w: agent_id is required", ErrValidation)
	case p.ContactID == "" || p.ContactNumber == "":
		return fmt.Errorf("%w: contact_id and contact_number are required", ErrValidation)
	case p.OrgID == "":
		return fmt.Errorf("%w: org_id is required", ErrValidation)
	}
	return nil
}

// StartOutbound originates the outbound leg and creates the call in
// initiated. A transport failure still creates the record, immediately in
// failed with reason transport_unavailable, so the every-call-has-an-outcome
// invariant holds; the transport error is returned alongside it.
func (e *Engine) StartOutbound(ctx context.Context, p StartParams) (Call, error) {
	if err := p.validate(); err != nil {
		return Call{}, err
	}

	now := e.clock().UTC()
	providerID, dialErr := e.driver.Originate(ctx, p.ContactNumber, p.AgentID)
	if dialErr != nil {
		c := Call{
			ID:            uuid.NewString(),
			OrgID:         p.OrgID,
			AgentID:       p.AgentID,
			CampaignID:    p.CampaignID,
			ContactID:     p.ContactID,
			ContactNumber: p.ContactNumber,
			QueueEntryID:  p.QueueEntryID,
			Direction:     DirectionOutbound,
			State:         StateFailed,
			Reason:        ReasonTransportUnavailable,
			Outcome:       dispositions.CodeSystemFailure,
			StartedAt:     now,
			EndedAt:       &now,
			UpdatedAt:     now,
		}
		if err := e.store.Create(ctx, c); err != nil {
			return Call{}, err
		}
		e.completeEntry(ctx, c)
		metrics.CallTransitionsTotal.WithLabelValues(string(StateFailed)).Inc()
		e.publishCall(ctx, c, events.TypeCallFailed, events.PriorityHigh, "")
		return c, fmt.Errorf("originate: %w", dialErr)
	}

	if e.agents != nil {
		if err := e.agents.AssignCall(p.AgentID, providerID); err != nil {
			// The leg is up but the agent cannot own it; tear it down.
			_ = e.driver.Hangup(ctx, providerID)
			return Call{}, err
		}
	}

	c := Call{
		ID:            providerID,
		OrgID:         p.OrgID,
		AgentID:       p.AgentID,
		CampaignID:    p.CampaignID,
		ContactID:     p.ContactID,
		ContactNumber: p.ContactNumber,
		QueueEntryID:  p.QueueEntryID,
		Direction:     DirectionOutbound,
		State:         StateInitiated,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, c); err != nil {
		return Call{}, err
	}
	if e.queue != nil && p.QueueEntryID != "" {
		if err := e.queue.MarkDialing(ctx, p.QueueEntryID); err != nil {
			e.logger.Error("mark dialing failed", "entry_id", p.QueueEntryID, "call_id", c.ID, "err", err)
		}
	}
	e.armSetupTimer(c.ID)

	metrics.ActiveCalls.Inc()
	metrics.CallTransitionsTotal.WithLabelValues(string(StateInitiated)).Inc()
	e.publishCall(ctx, c, events.TypeCallStateChanged, events.PriorityMedium, "")
	return c, nil
}

// InboundParams describes an inbound leg announced by the transport. As with
// outbound legs, the provider call id becomes the call id.
type InboundParams struct {
	CallID        string
	OrgID         string
	AgentID       string
	CampaignID    string
	ContactID     string
	ContactNumber string
}

func (p InboundParams) validate() error {
	switch {
	case p.CampaignID == "":
		// Inbound legs carry the campaign their number belongs to; there is
		// no fallback bucket in either direction.
		return fmt.Errorf("%w: campaign_id is required", ErrValidation)
	case p.CallID == "":
		return fmt.Errorf("%w: call_id is required", ErrValidation)
	case p.AgentID == "":
		return fmt.Errorf("%w: agent_id is required", ErrValidation)
	case p.ContactNumber == "":
		return fmt.Errorf("%w: contact_number is required", ErrValidation)
	case p.OrgID == "":
		return fmt.Errorf("%w: org_id is required", ErrValidation)
	}
	return nil
}

// StartInbound creates the call record for a transport-announced inbound leg.
// The leg already exists at the provider, so there is no originate step; the
// call enters initiated and progresses on the usual signals. ContactID may be
// empty for an unrecognized caller.
func (e *Engine) StartInbound(ctx context.Context, p InboundParams) (Call, error) {
	if err := p.validate(); err != nil {
		return Call{}, err
	}
	if e.agents != nil {
		if err := e.agents.AssignCall(p.AgentID, p.CallID); err != nil {
			return Call{}, err
		}
	}

	now := e.clock().UTC()
	c := Call{
		ID:            p.CallID,
		OrgID:         p.OrgID,
		AgentID:       p.AgentID,
		CampaignID:    p.CampaignID,
		ContactID:     p.ContactID,
		ContactNumber: p.ContactNumber,
		Direction:     DirectionInbound,
		State:         StateInitiated,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, c); err != nil {
		if e.agents != nil {
			e.agents.ResolveCall(p.AgentID, p.CallID)
		}
		return Call{}, err
	}
	e.armSetupTimer(c.ID)

	metrics.ActiveCalls.Inc()
	metrics.CallTransitionsTotal.WithLabelValues(string(StateInitiated)).Inc()
	e.publishCall(ctx, c, events.TypeCallStateChanged, events.PriorityMedium, "")
	return c, nil
}

// MarkRinging records carrier ring progress. The setup timeout covers only
// the initiated state, so it is disarmed here.
func (e *Engine) MarkRinging(ctx context.Context, callID string) (Call, error) {
	return e.transition(ctx, callID, func(c *Call) error {
		if c.State != StateInitiated {
			return fmt.Errorf("%w: ringing from %s", ErrInvalidTransition, c.State)
		}
		c.State = StateRinging
		e.disarmSetupTimer(callID)
		return nil
	})
}

// HandleSignal applies an authoritative transport signal. Hangups and network
// errors on a live call are normalized into the same ended transition with a
// distinguishing reason.
func (e *Engine) HandleSignal(ctx context.Context, sig telephony.Signal) (Call, error) {
	if err := sig.Validate(); err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return e.transition(ctx, sig.CallID, func(c *Call) error {
		if c.State.Terminal() {
			return fmt.Errorf("%w: signal %s on %s call", ErrInvalidTransition, sig.Kind, c.State)
		}
		switch sig.Kind {
		case telephony.SignalAnswered:
			if c.State != StateInitiated && c.State != StateRinging {
				return fmt.Errorf("%w: answered from %s", ErrInvalidTransition, c.State)
			}
			now := e.clock().UTC()
			c.State = StateConnected
			c.ConnectedAt = &now
			e.disarmSetupTimer(c.ID)
			return nil

		case telephony.SignalHangup:
			reason := ReasonRemoteHangup
			if sig.PartyRole == telephony.PartyAgent {
				reason = ReasonAgentHangup
			}
			e.endLocked(ctx, c, reason)
			return nil

		case telephony.SignalNetworkError:
			// A live conversation that drops still needs an agent-entered
			// outcome; an undialed leg does not.
			if c.State == StateConnected || c.State == StateOnHold {
				e.endLocked(ctx, c, ReasonNetworkError)
				return nil
			}
			e.failLocked(ctx, c, ReasonNetworkError)
			return nil

		case telephony.SignalFailed:
			e.failLocked(ctx, c, ReasonCarrierFailed)
			return nil
		}
		return fmt.Errorf("%w: unknown signal %s", ErrValidation, sig.Kind)
	})
}

// Hold pauses the remote party. Duration accounting is unaffected.
func (e *Engine) Hold(ctx context.Context, callID string) (Call, error) {
	return e.transition(ctx, callID, func(c *Call) error {
		if c.State != StateConnected {
			return fmt.Errorf("%w: hold from %s", ErrInvalidTransition, c.State)
		}
		if err := e.driver.Hold(ctx, callID); err != nil {
			return fmt.Errorf("hold: %w", err)
		}
		c.State = StateOnHold
		return nil
	})
}

func (e *Engine) Unhold(ctx context.Context, callID string) (Call, error) {
	return e.transition(ctx, callID, func(c *Call) error {
		if c.State != StateOnHold {
			return fmt.Errorf("%w: unhold from %s", ErrInvalidTransition, c.State)
		}
		if err := e.driver.Unhold(ctx, callID); err != nil {
			return fmt.Errorf("unhold: %w", err)
		}
		c.State = StateConnected
		return nil
	})
}

// SetMuted flips the orthogonal muted flag. Not a state transition; no call
// event is published.
func (e *Engine) SetMuted(ctx context.Context, callID string, muted bool) (Call, error) {
	lock := e.lockFor(callID)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.store.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if c.State.Terminal() || c.State == StateEnded {
		return Call{}, fmt.Errorf("%w: mute on %s call", ErrInvalidTransition, c.State)
	}
	c.Muted = muted
	c.UpdatedAt = e.clock().UTC()
	if err := e.store.Update(ctx, c); err != nil {
		return Call{}, err
	}
	return c, nil
}

// Transfer hands the call to another destination. The call stays connected;
// the transport reports the result via signals.
func (e *Engine) Transfer(ctx context.Context, callID, target string) (Call, error) {
	if target == "" {
		return Call{}, fmt.Errorf("%w: transfer target is required", ErrValidation)
	}
	lock := e.lockFor(callID)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.store.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if c.State != StateConnected && c.State != StateOnHold {
		return Call{}, fmt.Errorf("%w: transfer from %s", ErrInvalidTransition, c.State)
	}
	if err := e.driver.Transfer(ctx, callID, target); err != nil {
		return Call{}, fmt.Errorf("transfer: %w", err)
	}
	return c, nil
}

// Hangup is the agent-side disconnect. The transport command and the ended
// transition are applied together; if the transport is unreachable the call
// fails with reason transport_unavailable instead of staying live forever.
func (e *Engine) Hangup(ctx context.Context, callID string) (Call, error) {
	return e.transition(ctx, callID, func(c *Call) error {
		if c.State.Terminal() || c.State == StateEnded {
			return fmt.Errorf("%w: hangup from %s", ErrInvalidTransition, c.State)
		}
		if err := e.driver.Hangup(ctx, callID); err != nil {
			e.failLocked(ctx, c, ReasonTransportUnavailable)
			return nil
		}
		e.endLocked(ctx, c, ReasonAgentHangup)
		return nil
	})
}

// Dispose records the agent-entered outcome for an ended call. A rejected
// code leaves the call in ended and the agent's claim gate closed.
func (e *Engine) Dispose(ctx context.Context, callID, code, notes string, confirmed bool) (Call, error) {
	return e.transition(ctx, callID, func(c *Call) error {
		if c.State != StateEnded {
			return fmt.Errorf("%w: dispose from %s", ErrInvalidTransition, c.State)
		}
		outcome, err := e.registry.Validate(code, notes, confirmed)
		if err != nil {
			return err
		}
		c.State = StateDisposed
		c.Outcome = outcome.Code
		c.Notes = notes

		e.completeEntry(ctx, *c)
		if e.agents != nil {
			e.agents.ResolveCall(c.AgentID, c.ID)
		}
		metrics.PendingDispositions.Dec()
		e.publishDisposition(ctx, *c, outcome)
		return nil
	})
}

// Get returns a snapshot of one call.
func (e *Engine) Get(ctx context.Context, callID string) (Call, error) {
	return e.store.Get(ctx, callID)
}

// transition runs fn under the call's mutex and persists + publishes the
// result. fn mutates the call in place; state left unchanged means fn
// rejected the operation.
func (e *Engine) transition(ctx context.Context, callID string, fn func(c *Call) error) (Call, error) {
	lock := e.lockFor(callID)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.store.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	prev := c.State
	if err := fn(&c); err != nil {
		return Call{}, err
	}
	c.UpdatedAt = e.clock().UTC()
	if err := e.store.Update(ctx, c); err != nil {
		return Call{}, err
	}
	if c.State != prev {
		metrics.CallTransitionsTotal.WithLabelValues(string(c.State)).Inc()
		typ := events.TypeCallStateChanged
		prio := events.PriorityMedium
		switch c.State {
		case StateFailed:
			typ, prio = events.TypeCallFailed, events.PriorityHigh
		case StateDisposed:
			typ = events.TypeCallDisposed
		case StateEnded:
			prio = events.PriorityHigh
		}
		e.publishCall(ctx, c, typ, prio, string(prev))
	}
	if c.State.Terminal() {
		e.forget(callID)
	}
	return c, nil
}

// endLocked applies the ended transition side effects. Caller holds the call
// lock and persists/publishes via transition.
func (e *Engine) endLocked(ctx context.Context, c *Call, reason string) {
	now := e.clock().UTC()
	c.State = StateEnded
	c.Reason = reason
	c.EndedAt = &now
	e.disarmSetupTimer(c.ID)

	// The pending-disposition gate closes here and reopens only at disposed
	// or failed.
	if e.agents != nil {
		e.agents.MarkPendingDisposition(c.AgentID, c.ID)
	}
	if e.flows != nil {
		e.flows.CancelForCall(ctx, c.ID)
	}
	metrics.ActiveCalls.Dec()
	metrics.PendingDispositions.Inc()
}

// failLocked moves a non-terminal call to failed and auto-assigns the system
// outcome so the call still satisfies the every-call-has-an-outcome
// invariant without agent input.
func (e *Engine) failLocked(ctx context.Context, c *Call, reason string) {
	wasEnded := c.State == StateEnded
	now := e.clock().UTC()
	c.State = StateFailed
	c.Reason = reason
	c.Outcome = dispositions.CodeSystemFailure
	if c.EndedAt == nil {
		c.EndedAt = &now
	}
	e.disarmSetupTimer(c.ID)

	e.completeEntry(ctx, *c)
	if e.agents != nil {
		e.agents.ResolveCall(c.AgentID, c.ID)
	}
	if e.flows != nil {
		e.flows.CancelForCall(ctx, c.ID)
	}
	if wasEnded {
		metrics.PendingDispositions.Dec()
	} else {
		metrics.ActiveCalls.Dec()
	}
}

func (e *Engine) completeEntry(ctx context.Context, c Call) {
	if e.queue == nil || c.QueueEntryID == "" {
		return
	}
	if err := e.queue.MarkCompleted(ctx, c.QueueEntryID, c.Outcome); err != nil {
		e.logger.Error("mark completed failed", "entry_id", c.QueueEntryID, "call_id", c.ID, "err", err)
	}
}

func (e *Engine) armSetupTimer(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timers[callID] = time.AfterFunc(e.setupTimeout, func() {
		_, err := e.transition(context.Background(), callID, func(c *Call) error {
			if c.State != StateInitiated {
				return fmt.Errorf("%w: setup timer on %s call", ErrInvalidTransition, c.State)
			}
			e.failLocked(context.Background(), c, ReasonSetupTimeout)
			return nil
		})
		if err == nil {
			e.logger.Warn("call setup timed out", "call_id", callID)
		}
	})
}

func (e *Engine) disarmSetupTimer(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[callID]; ok {
		t.Stop()
		delete(e.timers, callID)
	}
}

func (e *Engine) lockFor(callID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[callID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[callID] = l
	}
	return l
}

// forget drops the per-call lock once the call is terminal. The lock is held
// by the caller, which is safe: sync.Mutex is not tied to the map entry.
func (e *Engine) forget(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, callID)
	if t, ok := e.timers[callID]; ok {
		t.Stop()
		delete(e.timers, callID)
	}
}

func (e *Engine) publishCall(ctx context.Context, c Call, typ string, prio events.Priority, prev string) {
	if e.bus == nil {
		return
	}
	ev := events.Event{
		Category:   events.CategoryCall,
		Type:       typ,
		Priority:   prio,
		OrgID:      c.OrgID,
		CampaignID: c.CampaignID,
		AgentID:    c.AgentID,
		CallID:     c.ID,
		Payload: events.CallPayload{
			State:         string(c.State),
			PreviousState: prev,
			Direction:     string(c.Direction),
			Reason:        c.Reason,
			Outcome:       c.Outcome,
		},
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Error("call event publish failed", "type", typ, "call_id", c.ID, "err", err)
	}
}

func (e *Engine) publishDisposition(ctx context.Context, c Call, outcome dispositions.Outcome) {
	if e.bus == nil {
		return
	}
	ev := events.Event{
		Category:   events.CategoryDisposition,
		Type:       events.TypeDispositionSet,
		Priority:   events.PriorityMedium,
		OrgID:      c.OrgID,
		CampaignID: c.CampaignID,
		AgentID:    c.AgentID,
		CallID:     c.ID,
		Payload: events.DispositionPayload{
			Code: outcome.Code,
			Band: string(outcome.Band),
		},
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Error("disposition event publish failed", "call_id", c.ID, "err", err)
	}
}
