// Package flows tracks the execution of call-attached step flows. The
// tracker records progress and enforces blocking semantics; it does not
// execute step logic itself.
package flows

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
	ErrValidation = errors.New("flows: validation failed")
	ErrNotFound   = errors.New("flows: not found")

	// ErrConflict rejects a second live execution for the same call.
	ErrConflict = errors.New("flows: execution already running for call")

	// ErrFinished rejects operations on a terminal execution.
	ErrFinished = errors.New("flows: execution already finished")
)

// StepTimeoutReason is recorded on steps failed by their timeout task.
const StepTimeoutReason = "timeout"

// Config controls tracker behavior. Zero values get safe defaults.
type Config struct {
	// DefaultStepTimeout applies to steps whose definition sets none.
	DefaultStepTimeout time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// Tracker owns flow definitions and their executions.
type Tracker struct {
	bus         *events.Bus
	stepTimeout time.Duration
	clock       func() time.Time
	logger      *slog.Logger

	mu         sync.Mutex
	flows      map[string]FlowDefinition
	executions map[string]*Execution
	liveByCall map[string]string // callID -> executionID
	timers     map[string]*time.Timer
}

func NewTracker(bus *events.Bus, cfg Config) *Tracker {
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		bus:         bus,
		stepTimeout: cfg.DefaultStepTimeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		flows:       make(map[string]FlowDefinition),
		executions:  make(map[string]*Execution),
		liveByCall:  make(map[string]string),
		timers:      make(map[string]*time.Timer),
	}
}

// RegisterFlow stores a definition. Re-registering replaces it; running
// executions keep the steps they started with.
func (t *Tracker) RegisterFlow(def FlowDefinition) error {
	if def.ID == "" || len(def.Steps) == 0 {
		return fmt.Errorf("%w: flow id and at least one step are required", ErrValidation)
	}
	seen := make(map[string]struct{}, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step id is required", ErrValidation)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrValidation, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	t.mu.Lock()
	t.flows[def.ID] = def
	t.mu.Unlock()
	return nil
}

// Start begins a flow execution for a call. At most one live execution per
// call; a second Start fails with ErrConflict.
func (t *Tracker) Start(ctx context.Context, flowID, callID, triggerType string) (Execution, error) {
	if callID == "" {
		return Execution{}, fmt.Errorf("%w: call_id is required", ErrValidation)
	}

	t.mu.Lock()
	def, ok := t.flows[flowID]
	if !ok {
		t.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: flow %s", ErrNotFound, flowID)
	}
	if liveID, busy := t.liveByCall[callID]; busy {
		t.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: execution %s", ErrConflict, liveID)
	}

	now := t.clock().UTC()
	ex := &Execution{
		ID:          uuid.NewString(),
		FlowID:      flowID,
		CallID:      callID,
		TriggerType: triggerType,
		Status:      ExecutionRunning,
		StartedAt:   now,
		Steps:       make([]ExecutionStep, len(def.Steps)),
	}
	for i, s := range def.Steps {
		ex.Steps[i] = ExecutionStep{StepID: s.ID, Name: s.Name, Blocking: s.Blocking, Status: StepPending}
	}
	ex.Steps[0].Status = StepRunning
	ex.Steps[0].StartedAt = &now
	t.executions[ex.ID] = ex
	t.liveByCall[callID] = ex.ID
	t.armStepTimerLocked(ex, def.Steps[0])
	snap := snapshotExecution(ex)
	t.mu.Unlock()

	t.publish(ctx, events.TypeFlowStarted, snap, events.FlowPayload{
		ExecutionID: snap.ID,
		FlowID:      flowID,
		StepID:      snap.Steps[0].StepID,
		Status:      string(ExecutionRunning),
	}, events.PriorityLow)
	return snap, nil
}

// Advance records the current step's result and moves on. A failed blocking
// step fails the whole execution and marks the remaining steps skipped; a
// failed non-blocking step is recorded and the next step starts anyway.
func (t *Tracker) Advance(ctx context.Context, executionID string, result StepResult) (Execution, error) {
	if result.Status != StepCompleted && result.Status != StepFailed {
		return Execution{}, fmt.Errorf("%w: step result must be completed or failed", ErrValidation)
	}

	t.mu.Lock()
	ex, ok := t.executions[executionID]
	if !ok {
		t.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
	}
	if ex.Status.Terminal() {
		t.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: %s", ErrFinished, ex.Status)
	}

	idx := runningStepIndex(ex)
	if idx < 0 {
		t.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: no running step", ErrNotFound)
	}
	snap, doneType, donePrio := t.applyStepResultLocked(ex, idx, result)
	t.mu.Unlock()

	t.publish(ctx, doneType, snap, events.FlowPayload{
		ExecutionID: snap.ID,
		FlowID:      snap.FlowID,
		StepID:      snap.Steps[idx].StepID,
		Status:      string(snap.Status),
		Error:       result.Error,
	}, donePrio)
	return snap, nil
}

// applyStepResultLocked records the running step's result and either starts
// the next step or finishes the execution. Caller holds t.mu and has verified
// that the step at idx is running.
func (t *Tracker) applyStepResultLocked(ex *Execution, idx int, result StepResult) (Execution, string, events.Priority) {
	now := t.clock().UTC()
	step := &ex.Steps[idx]
	step.Status = result.Status
	step.Error = result.Error
	step.FinishedAt = &now
	t.disarmStepTimerLocked(ex.ID)
	metrics.FlowStepsTotal.WithLabelValues(string(result.Status)).Inc()

	var (
		doneType string
		donePrio = events.PriorityLow
	)
	switch {
	case result.Status == StepFailed && step.Blocking:
		t.finishLocked(ex, ExecutionFailed, now)
		skipRemainingLocked(ex, idx+1)
		doneType, donePrio = events.TypeFlowFailed, events.PriorityHigh

	case idx+1 < len(ex.Steps):
		next := &ex.Steps[idx+1]
		next.Status = StepRunning
		next.StartedAt = &now
		if def, ok := t.flows[ex.FlowID]; ok && idx+1 < len(def.Steps) {
			t.armStepTimerLocked(ex, def.Steps[idx+1])
		}
		doneType = events.TypeFlowStepDone

	default:
		t.finishLocked(ex, ExecutionCompleted, now)
		doneType = events.TypeFlowCompleted
	}
	return snapshotExecution(ex), doneType, donePrio
}

// Cancel stops a running execution. Remaining steps are marked skipped, not
// silently discarded.
func (t *Tracker) Cancel(ctx context.Context, executionID string) (Execution, error) {
	t.mu.Lock()
	ex, ok := t.executions[executionID]
	if !ok {
		t.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
	}
	if ex.Status.Terminal() {
		snap := snapshotExecution(ex)
		t.mu.Unlock()
		return snap, nil
	}
	now := t.clock().UTC()
	t.disarmStepTimerLocked(executionID)
	skipRemainingLocked(ex, 0)
	t.finishLocked(ex, ExecutionCancelled, now)
	snap := snapshotExecution(ex)
	t.mu.Unlock()

	t.publish(ctx, events.TypeFlowCancelled, snap, events.FlowPayload{
		ExecutionID: snap.ID,
		FlowID:      snap.FlowID,
		Status:      string(ExecutionCancelled),
	}, events.PriorityLow)
	return snap, nil
}

// CancelForCall cancels the call's live execution, if any. Invoked when the
// owning call ends or fails.
func (t *Tracker) CancelForCall(ctx context.Context, callID string) {
	t.mu.Lock()
	id, ok := t.liveByCall[callID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if _, err := t.Cancel(ctx, id); err != nil {
		t.logger.Error("flow cancel failed", "execution_id", id, "call_id", callID, "err", err)
	}
}

// Get returns a snapshot of one execution.
func (t *Tracker) Get(executionID string) (Execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ex, ok := t.executions[executionID]
	if !ok {
		return Execution{}, fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
	}
	return snapshotExecution(ex), nil
}

// finishLocked sets the terminal status and frees the call slot. Caller
// holds t.mu.
func (t *Tracker) finishLocked(ex *Execution, status ExecutionStatus, now time.Time) {
	ex.Status = status
	ex.FinishedAt = &now
	if t.liveByCall[ex.CallID] == ex.ID {
		delete(t.liveByCall, ex.CallID)
	}
}

func (t *Tracker) armStepTimerLocked(ex *Execution, def StepDef) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = t.stepTimeout
	}
	execID, stepID := ex.ID, def.ID
	t.timers[execID] = time.AfterFunc(timeout, func() {
		// A manual Advance may race the timer, so the staleness check and the
		// failure are applied under the same hold of the lock; releasing it in
		// between would let the timeout land on the wrong step.
		t.mu.Lock()
		ex, ok := t.executions[execID]
		if !ok || ex.Status.Terminal() {
			t.mu.Unlock()
			return
		}
		idx := runningStepIndex(ex)
		if idx < 0 || ex.Steps[idx].StepID != stepID {
			t.mu.Unlock()
			return
		}
		snap, doneType, donePrio := t.applyStepResultLocked(ex, idx, StepResult{
			Status: StepFailed,
			Error:  StepTimeoutReason,
		})
		t.mu.Unlock()

		t.logger.Warn("flow step timed out", "execution_id", execID, "step_id", stepID)
		t.publish(context.Background(), doneType, snap, events.FlowPayload{
			ExecutionID: snap.ID,
			FlowID:      snap.FlowID,
			StepID:      stepID,
			Status:      string(snap.Status),
			Error:       StepTimeoutReason,
		}, donePrio)
	})
}

func (t *Tracker) disarmStepTimerLocked(executionID string) {
	if tm, ok := t.timers[executionID]; ok {
		tm.Stop()
		delete(t.timers, executionID)
	}
}

func skipRemainingLocked(ex *Execution, from int) {
	for i := from; i < len(ex.Steps); i++ {
		if ex.Steps[i].Status == StepPending || ex.Steps[i].Status == StepRunning {
			ex.Steps[i].Status = StepSkipped
		}
	}
}

func runningStepIndex(ex *Execution) int {
	for i := range ex.Steps {
		if ex.Steps[i].Status == StepRunning {
			return i
		}
	}
	return -1
}

func snapshotExecution(ex *Execution) Execution {
	out := *ex
	out.Steps = make([]ExecutionStep, len(ex.Steps))
	copy(out.Steps, ex.Steps)
	return out
}

func (t *Tracker) publish(ctx context.Context, typ string, ex Execution, p events.FlowPayload, prio events.Priority) {
	if t.bus == nil {
		return
	}
	ev := events.Event{
		Category: events.CategoryFlow,
		Type:     typ,
		Priority: prio,
		CallID:   ex.CallID,
		Payload:  p,
	}
	if err := t.bus.Publish(ctx, ev); err != nil {
		t.logger.Error("flow event publish failed", "type", typ, "execution_id", ex.ID, "err", err)
	}
}
