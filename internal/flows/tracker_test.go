package flows

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func greetingFlow() FlowDefinition {
	return FlowDefinition{
		ID:   "flow1",
		Name: "outbound greeting",
		Steps: []StepDef{
			{ID: "lookup", Name: "crm lookup", Blocking: false},
			{ID: "script", Name: "load script", Blocking: true},
			{ID: "survey", Name: "post-call survey", Blocking: false},
		},
	}
}

func newTestTracker(t *testing.T, cfg Config) *Tracker {
	t.Helper()
	tr := NewTracker(nil, cfg)
	require.NoError(t, tr.RegisterFlow(greetingFlow()))
	return tr
}

func TestRegisterFlowValidation(t *testing.T) {
	tr := NewTracker(nil, Config{})

	err := tr.RegisterFlow(FlowDefinition{ID: "empty"})
	assert.ErrorIs(t, err, ErrValidation)

	err = tr.RegisterFlow(FlowDefinition{
		ID:    "dup",
		Steps: []StepDef{{ID: "a"}, {ID: "a"}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStartConflictsOnLiveExecution(t *testing.T) {
	tr := newTestTracker(t, Config{})
	ctx := context.Background()

	ex, err := tr.Start(ctx, "flow1", "call1", "call_connected")
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, ex.Status)
	assert.Equal(t, StepRunning, ex.Steps[0].Status)

	_, err = tr.Start(ctx, "flow1", "call1", "call_connected")
	assert.ErrorIs(t, err, ErrConflict)

	// Another call is unaffected.
	_, err = tr.Start(ctx, "flow1", "call2", "call_connected")
	require.NoError(t, err)

	// After the first execution finishes, the call may start another.
	_, err = tr.Cancel(ctx, ex.ID)
	require.NoError(t, err)
	_, err = tr.Start(ctx, "flow1", "call1", "manual")
	require.NoError(t, err)
}

func TestStartUnknownFlow(t *testing.T) {
	tr := newTestTracker(t, Config{})
	_, err := tr.Start(context.Background(), "nope", "call1", "manual")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNonBlockingFailureContinues(t *testing.T) {
	tr := newTestTracker(t, Config{})
	ctx := context.Background()

	ex, err := tr.Start(ctx, "flow1", "call1", "call_connected")
	require.NoError(t, err)

	// Step "lookup" is non-blocking: its failure is recorded and the next
	// step starts anyway.
	ex, err = tr.Advance(ctx, ex.ID, StepResult{Status: StepFailed, Error: "crm unreachable"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, ex.Status)
	assert.Equal(t, StepFailed, ex.Steps[0].Status)
	assert.Equal(t, "crm unreachable", ex.Steps[0].Error)
	assert.Equal(t, StepRunning, ex.Steps[1].Status)
}

func TestBlockingFailureHaltsAndSkips(t *testing.T) {
	tr := newTestTracker(t, Config{})
	ctx := context.Background()

	ex, err := tr.Start(ctx, "flow1", "call1", "call_connected")
	require.NoError(t, err)

	ex, err = tr.Advance(ctx, ex.ID, StepResult{Status: StepCompleted})
	require.NoError(t, err)

	// Step "script" is blocking: its failure fails the execution and the
	// remaining steps are skipped, not discarded.
	ex, err = tr.Advance(ctx, ex.ID, StepResult{Status: StepFailed, Error: "script missing"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, ex.Status)
	assert.Equal(t, StepFailed, ex.Steps[1].Status)
	assert.Equal(t, StepSkipped, ex.Steps[2].Status)
	require.NotNil(t, ex.FinishedAt)

	_, err = tr.Advance(ctx, ex.ID, StepResult{Status: StepCompleted})
	assert.ErrorIs(t, err, ErrFinished)
}

func TestAllStepsCompletedFinishesExecution(t *testing.T) {
	tr := newTestTracker(t, Config{})
	ctx := context.Background()

	ex, err := tr.Start(ctx, "flow1", "call1", "call_connected")
	require.NoError(t, err)
	for range greetingFlow().Steps {
		ex, err = tr.Advance(ctx, ex.ID, StepResult{Status: StepCompleted})
		require.NoError(t, err)
	}
	assert.Equal(t, ExecutionCompleted, ex.Status)
	for _, s := range ex.Steps {
		assert.Equal(t, StepCompleted, s.Status)
	}
}

func TestAdvanceRejectsBadResult(t *testing.T) {
	tr := newTestTracker(t, Config{})
	ctx := context.Background()

	ex, err := tr.Start(ctx, "flow1", "call1", "manual")
	require.NoError(t, err)
	_, err = tr.Advance(ctx, ex.ID, StepResult{Status: StepSkipped})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCancelForCallSkipsRemaining(t *testing.T) {
	tr := newTestTracker(t, Config{})
	ctx := context.Background()

	ex, err := tr.Start(ctx, "flow1", "call1", "call_connected")
	require.NoError(t, err)
	_, err = tr.Advance(ctx, ex.ID, StepResult{Status: StepCompleted})
	require.NoError(t, err)

	tr.CancelForCall(ctx, "call1")

	got, err := tr.Get(ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCancelled, got.Status)
	assert.Equal(t, StepCompleted, got.Steps[0].Status)
	assert.Equal(t, StepSkipped, got.Steps[1].Status)
	assert.Equal(t, StepSkipped, got.Steps[2].Status)

	// Unknown call is a no-op.
	tr.CancelForCall(ctx, "ghost")
}

func TestStepTimeoutFailsStep(t *testing.T) {
	tr := NewTracker(nil, Config{DefaultStepTimeout: 20 * time.Millisecond})
	require.NoError(t, tr.RegisterFlow(FlowDefinition{
		ID: "timed",
		Steps: []StepDef{
			{ID: "slow", Name: "slow step", Blocking: true},
		},
	}))
	ctx := context.Background()

	ex, err := tr.Start(ctx, "timed", "call1", "manual")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := tr.Get(ex.ID)
		return err == nil && got.Status == ExecutionFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, err := tr.Get(ex.ID)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, got.Steps[0].Status)
	assert.Equal(t, StepTimeoutReason, got.Steps[0].Error)
}

func TestPerStepTimeoutOverridesDefault(t *testing.T) {
	tr := NewTracker(nil, Config{DefaultStepTimeout: time.Hour})
	require.NoError(t, tr.RegisterFlow(FlowDefinition{
		ID: "timed",
		Steps: []StepDef{
			{ID: "fast", Name: "fast step", Blocking: false, Timeout: 20 * time.Millisecond},
			{ID: "next", Name: "next step", Blocking: false},
		},
	}))
	ctx := context.Background()

	ex, err := tr.Start(ctx, "timed", "call1", "manual")
	require.NoError(t, err)

	// The timed-out step fails but, being non-blocking, the flow moves on.
	require.Eventually(t, func() bool {
		got, err := tr.Get(ex.ID)
		return err == nil && got.Steps[0].Status == StepFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, err := tr.Get(ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, got.Status)
	assert.Equal(t, StepRunning, got.Steps[1].Status)
}

// A step timer that fires after its step already advanced must leave the next
// step untouched.
func TestStepTimerDoesNotFailNextStep(t *testing.T) {
	tr := NewTracker(nil, Config{})
	require.NoError(t, tr.RegisterFlow(FlowDefinition{
		ID: "tight",
		Steps: []StepDef{
			{ID: "s1", Timeout: 15 * time.Millisecond},
			{ID: "s2", Blocking: true, Timeout: time.Minute},
		},
	}))
	ctx := context.Background()

	ex, err := tr.Start(ctx, "tight", "call1", "manual")
	require.NoError(t, err)

	_, err = tr.Advance(ctx, ex.ID, StepResult{Status: StepCompleted})
	require.NoError(t, err)

	// Well past s1's deadline: its timer has fired by now and must have been
	// a no-op.
	time.Sleep(50 * time.Millisecond)
	got, err := tr.Get(ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, got.Status)
	assert.Equal(t, StepCompleted, got.Steps[0].Status)
	assert.Equal(t, StepRunning, got.Steps[1].Status)
	assert.Empty(t, got.Steps[1].Error)
}
