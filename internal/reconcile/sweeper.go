// Package reconcile surfaces invariant violations found after the fact. It
// never repairs silently: a call stuck in ended without an outcome re-blocks
// its agent and raises an alert, and no disposition is ever fabricated on the
// agent's behalf.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"dialcore/internal/calls"
	"dialcore/internal/events"
	"dialcore/internal/metrics"
)

// GateReopener re-blocks an agent for a call awaiting its outcome. The agent
// tracker implements it.
type GateReopener interface {
	ReopenDispositionGate(agentID, callID string) error
}

// Config controls sweep behavior. Zero values get safe defaults.
type Config struct {
	// Grace is how long a call may sit in ended before the sweep flags it.
	// Normal dispositioning happens well inside this window.
	Grace time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// Sweeper scans for ended-without-outcome calls.
type Sweeper struct {
	store  calls.Store
	bus    *events.Bus
	gate   GateReopener
	grace  time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

func NewSweeper(store calls.Store, bus *events.Bus, gate GateReopener, cfg Config) *Sweeper {
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		store:  store,
		bus:    bus,
		gate:   gate,
		grace:  cfg.Grace,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// Run performs one sweep and returns the number of violations found.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	cutoff := s.clock().UTC().Add(-s.grace)
	stuck, err := s.store.ListEndedWithoutOutcome(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, c := range stuck {
		metrics.ReconcileViolationsTotal.Inc()
		if s.gate != nil {
			if err := s.gate.ReopenDispositionGate(c.AgentID, c.ID); err != nil {
				s.logger.Error("gate reopen failed", "call_id", c.ID, "agent_id", c.AgentID, "err", err)
			}
		}
		s.logger.Warn("call ended without outcome", "call_id", c.ID, "agent_id", c.AgentID, "ended_at", c.EndedAt)
		s.alert(ctx, c)
	}
	return len(stuck), nil
}

func (s *Sweeper) alert(ctx context.Context, c calls.Call) {
	if s.bus == nil {
		return
	}
	ev := events.Event{
		Category:   events.CategorySystem,
		Type:       events.TypeSystemAlert,
		Priority:   events.PriorityCritical,
		OrgID:      c.OrgID,
		CampaignID: c.CampaignID,
		AgentID:    c.AgentID,
		CallID:     c.ID,
		Payload: events.SystemPayload{
			Alert:  "call_pending_disposition",
			Detail: "call " + c.ID + " ended without an outcome; agent re-blocked until disposed",
		},
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Error("reconcile alert publish failed", "call_id", c.ID, "err", err)
	}
}
