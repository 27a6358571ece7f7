package domain

import "time"

// CostDelta is the resource consumption of one step attempt: spend in USD,
// tokens moved, and upstream requests issued.
type CostDelta struct {
	CostUSD  float64 `json:"cost_usd"`
	Tokens   int64   `json:"tokens"`
	Requests int64   `json:"requests"`
}

// Add returns the component-wise sum.
func (c CostDelta) Add(d CostDelta) CostDelta {
	return CostDelta{
		CostUSD:  c.CostUSD + d.CostUSD,
		Tokens:   c.Tokens + d.Tokens,
		Requests: c.Requests + d.Requests,
	}
}

// Sub returns the component-wise difference, floored at zero per component.
func (c CostDelta) Sub(d CostDelta) CostDelta {
	out := CostDelta{
		CostUSD:  c.CostUSD - d.CostUSD,
		Tokens:   c.Tokens - d.Tokens,
		Requests: c.Requests - d.Requests,
	}
	if out.CostUSD < 0 {
		out.CostUSD = 0
	}
	if out.Tokens < 0 {
		out.Tokens = 0
	}
	if out.Requests < 0 {
		out.Requests = 0
	}
	return out
}

// IsZero reports whether every component is zero.
func (c CostDelta) IsZero() bool {
	return c.CostUSD == 0 && c.Tokens == 0 && c.Requests == 0
}

// StepState tracks a step through the scheduler.
type StepState string

const (
	StepPending   StepState = "pending"
	StepReady     StepState = "ready"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// Terminal reports whether the state is final for the current iteration.
func (s StepState) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepError is the terminal failure recorded for a step.
type StepError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *StepError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// StepResult records the outcome of a step within one run. Entries are
// write-once per step id; a retry or a new cycle iteration replaces the
// step's own entry only.
type StepResult struct {
	StepID      string         `json:"step_id"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Cost        CostDelta      `json:"cost"`
	Error       *StepError     `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	Iteration   int            `json:"iteration,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Failed reports whether the result records a failure.
func (r StepResult) Failed() bool {
	return r.Error != nil
}

// SkippedResult builds the entry recorded for a step that never ran.
func SkippedResult(stepID string, kind ErrorKind, message string) StepResult {
	now := time.Now().UTC()
	return StepResult{
		StepID:      stepID,
		Error:       &StepError{Kind: kind, Message: message},
		StartedAt:   now,
		CompletedAt: now,
	}
}

// RunState is the caller-visible lifecycle of a run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCanceled  RunState = "canceled"
)

// Terminal reports whether the run has settled.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	}
	return false
}

// RunStatus is a point-in-time snapshot of a run's progress.
type RunStatus struct {
	RunID      string               `json:"run_id"`
	PipelineID string               `json:"pipeline_id"`
	State      RunState             `json:"state"`
	Steps      map[string]StepState `json:"steps"`
	Iterations map[string]int       `json:"iterations,omitempty"`
	Spent      CostDelta            `json:"spent"`
	StartedAt  time.Time            `json:"started_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}
