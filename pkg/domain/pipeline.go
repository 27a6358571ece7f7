package domain

import "time"

// GraphKind classifies the edge structure a pipeline is validated against.
type GraphKind string

const (
	GraphDAG         GraphKind = "dag"
	GraphCyclic      GraphKind = "cyclic"
	GraphConditional GraphKind = "conditional"
)

// BackoffKind selects how retry delays grow between attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// PipelineSpec is the immutable definition of a pipeline: steps, edges, and
// the limits the run executes under. Built once by a loader and never mutated
// afterwards; the engine only reads it.
type PipelineSpec struct {
	ID      string
	Version int
	Kind    GraphKind
	Steps   []StepSpec
	Edges   []EdgeSpec
	Groups  []GroupSpec
	Cycles  []CycleSpec

	// Timeout bounds the whole run. Zero means no ceiling.
	Timeout time.Duration

	// Budget caps the run; SessionBudget, when set, additionally caps every
	// session touched by session-bound steps.
	Budget        Budget
	SessionBudget Budget

	// Sessions declares window policies for the session keys this pipeline
	// binds. Keys not listed here fall back to the engine default policy.
	Sessions map[string]SessionPolicy

	Defaults Defaults
}

// StepSpec describes one schedulable invocation of a named capability.
type StepSpec struct {
	ID         string
	Capability string

	// Params maps parameter names to literals or ${...} template strings
	// resolved against pipeline inputs and prior step outputs at dispatch.
	Params map[string]any

	// Timeout bounds one invocation, further clipped by the remaining run
	// deadline. Zero falls back to Defaults.StepTimeout.
	Timeout time.Duration

	// Retry overrides Defaults.Retry when non-nil.
	Retry *RetrySpec

	// Group names the parallel group this step belongs to. Empty means the
	// step runs ungrouped, bounded only by the engine-wide worker pool.
	Group string

	// AlwaysRun dispatches the step once its predecessors are terminal in
	// any state, supporting cleanup and notification steps.
	AlwaysRun bool

	// BestEffort turns a failed budget reservation into a skip instead of
	// failing the run.
	BestEffort bool

	// OnError names a fallback step dispatched after this step exhausts its
	// retries. Fallback-only steps are held until triggered.
	OnError string

	// Terminal marks an intended leaf of a conditional graph; a completed
	// terminal step with no true outgoing edges is a normal end, not a
	// skipped branch.
	Terminal bool

	// Session opts the step into conversational state.
	Session *SessionBinding

	// Estimate is the declared worst-case cost used for the budget
	// reservation when the capability does not estimate for itself.
	Estimate CostDelta
}

// EdgeSpec is a directed dependency between two steps.
type EdgeSpec struct {
	From string
	To   string

	// When is a boolean expression over pipeline inputs and step outputs.
	// Empty means unconditional.
	When string

	// Optional edges are also satisfied by a Skipped source.
	Optional bool
}

// GroupSpec bounds the fan-out of a declared parallel group.
type GroupSpec struct {
	Name           string
	MaxConcurrency int
}

// CycleSpec declares a bounded cycle group within a cyclic pipeline. Members
// re-execute each time a back-edge into the group fires, at most
// MaxIterations times.
type CycleSpec struct {
	ID            string
	Members       []string
	MaxIterations int
}

// RetrySpec declares when and how a step retries. Only kinds listed in
// RetryOn are retried; everything else fails immediately.
type RetrySpec struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Backoff     BackoffKind
	Multiplier  float64
	MaxDelay    time.Duration
	RetryOn     []ErrorKind
	Jitter      bool
}

// Retries reports whether the spec allows more than a single attempt.
func (r RetrySpec) Retries() bool {
	return r.MaxAttempts > 1
}

// RetryableKind reports whether kind is listed in RetryOn.
func (r RetrySpec) RetryableKind(kind ErrorKind) bool {
	for _, k := range r.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// Defaults holds per-pipeline overrides applied to steps that do not declare
// their own settings.
type Defaults struct {
	Retry       RetrySpec
	StepTimeout time.Duration

	// MaxConcurrency caps in-flight steps for this pipeline's runs on top of
	// the engine-wide worker pool. Zero defers to the engine setting.
	MaxConcurrency int

	// AbortOnFailure cancels running siblings and skips the remainder on the
	// first unhandled step failure.
	AbortOnFailure bool

	// CheckpointInterval and CheckpointEveryStep control snapshot cadence.
	// Zero interval with EveryStep unset disables checkpointing for the run.
	CheckpointInterval  time.Duration
	CheckpointEveryStep bool
}

// SessionBinding opts a step into conversational state. The engine resolves
// Key like any parameter template, injects the current window before invoking
// and appends turns afterwards.
type SessionBinding struct {
	// Key is the session id, literal or ${...} template.
	Key string

	// InputParam names a resolved parameter appended as a user turn before
	// the capability runs. Empty records nothing.
	InputParam string

	// OutputKey names a capability output appended as an assistant turn
	// after success. Empty records nothing.
	OutputKey string

	// WindowParam names the parameter that receives the session window as a
	// []map[string]any of turns. Empty injects nothing.
	WindowParam string
}

// StepByID returns the step with the given id.
func (p *PipelineSpec) StepByID(id string) (StepSpec, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepSpec{}, false
}

// CycleOf returns the cycle group containing the given step id.
func (p *PipelineSpec) CycleOf(stepID string) (CycleSpec, bool) {
	for _, c := range p.Cycles {
		for _, m := range c.Members {
			if m == stepID {
				return c, true
			}
		}
	}
	return CycleSpec{}, false
}

// GroupByName returns the declared parallel group with the given name.
func (p *PipelineSpec) GroupByName(name string) (GroupSpec, bool) {
	for _, g := range p.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupSpec{}, false
}

// RetryFor returns the effective retry spec for a step.
func (p *PipelineSpec) RetryFor(step StepSpec) RetrySpec {
	if step.Retry != nil {
		return *step.Retry
	}
	return p.Defaults.Retry
}

// TimeoutFor returns the effective per-attempt timeout for a step. Zero means
// the step is bounded only by the run deadline.
func (p *PipelineSpec) TimeoutFor(step StepSpec) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return p.Defaults.StepTimeout
}
