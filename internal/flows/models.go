package flows

import "time"

// FlowDefinition is the static step graph executed alongside a call. Steps
// run in order; a blocking step's failure halts the whole execution, a
// non-blocking step's failure does not.
type FlowDefinition struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Steps []StepDef `json:"steps"`
}

type StepDef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Blocking bool   `json:"blocking"`

	// Timeout bounds the step's running time. Zero means the tracker-wide
	// default applies.
	Timeout time.Duration `json:"timeout,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool { return s != ExecutionRunning }

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Execution is one run of a flow for one call.
type Execution struct {
	ID          string          `json:"id"`
	FlowID      string          `json:"flow_id"`
	CallID      string          `json:"call_id"`
	TriggerType string          `json:"trigger_type"`
	Status      ExecutionStatus `json:"status"`
	Steps       []ExecutionStep `json:"steps"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

type ExecutionStep struct {
	StepID     string     `json:"step_id"`
	Name       string     `json:"name"`
	Blocking   bool       `json:"blocking"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StepResult is the outcome reported for the current running step.
type StepResult struct {
	Status StepStatus `json:"status"` // completed or failed
	Error  string     `json:"error,omitempty"`
}
