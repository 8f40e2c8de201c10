package types

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of one run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the lifecycle state of one step dispatch.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Run is one execution of a pipeline against a task.
type Run struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Task       string `json:"task"`
	// Scenario selects which scenario-tagged steps participate.
	Scenario  string            `json:"scenario,omitempty"`
	Inputs    map[string]string `json:"inputs,omitempty"`
	Status    RunStatus         `json:"status"`
	StepRuns  []*StepRun        `json:"step_runs,omitempty"`
	Logs      []string          `json:"logs,omitempty"`
	Approvals []*Approval       `json:"approvals,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewRun creates a queued run for a pipeline.
func NewRun(pipelineID, task string, inputs map[string]string) *Run {
	return &Run{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		Task:       task,
		Inputs:     inputs,
		Status:     RunQueued,
		CreatedAt:  time.Now(),
	}
}

// Input returns a run input value, "" when absent.
func (r *Run) Input(key string) string {
	if r.Inputs == nil {
		return ""
	}
	return r.Inputs[key]
}

// StepRun records one dispatch of one step within a run.
type StepRun struct {
	ID       string     `json:"id"`
	StepID   string     `json:"step_id"`
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Outcome  Outcome    `json:"workflow_outcome,omitempty"`

	// Input is the resolved context handed to the provider; Output is the
	// raw provider (or skip-synthesized) output text.
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`

	GateResults []QualityGateResult `json:"gate_results,omitempty"`

	// TriggeredByStepID/TriggeredByReason record who caused this dispatch:
	// a routed edge, a retry, or a delegation.
	TriggeredByStepID string `json:"triggered_by_step_id,omitempty"`
	TriggeredByReason string `json:"triggered_by_reason,omitempty"`

	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewStepRun creates a pending step run.
func NewStepRun(stepID string) *StepRun {
	return &StepRun{
		ID:     uuid.NewString(),
		StepID: stepID,
		Status: StepPending,
	}
}

// ApprovalDecision is the externally supplied resolution of a manual gate.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// Approval is a pending (or resolved) manual_approval gate instance.
type Approval struct {
	ID         string           `json:"id"`
	RunID      string           `json:"run_id"`
	StepRunID  string           `json:"step_run_id"`
	GateID     string           `json:"gate_id"`
	Message    string           `json:"message,omitempty"`
	Decision   ApprovalDecision `json:"decision"`
	Note       string           `json:"note,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt time.Time        `json:"resolved_at,omitempty"`
}

// NewApproval creates a pending approval for a manual gate.
func NewApproval(runID, stepRunID, gateID, message string) *Approval {
	return &Approval{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepRunID: stepRunID,
		GateID:    gateID,
		Message:   message,
		Decision:  ApprovalPending,
		CreatedAt: time.Now(),
	}
}
