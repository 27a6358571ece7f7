package engine

import (
	"context"
	"sync"
	"time"

	"github.com/skeinworks/skein/internal/governance"
	"github.com/skeinworks/skein/pkg/domain"
)

// Run is the handle for one pipeline execution. The scheduler goroutine owns
// its lifecycle; callers observe it through Status, Done and the engine's
// Result call.
type Run struct {
	id   string
	spec *domain.PipelineSpec

	ec       *ExecutionContext
	tracker  *governance.Tracker
	sessions *governance.TrackerSet

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	state      domain.RunState
	stepStates map[string]domain.StepState
	iterations map[string]int
	err        error
	startedAt  time.Time
	updatedAt  time.Time
}

func newRun(id string, spec *domain.PipelineSpec, inputs map[string]any) *Run {
	states := make(map[string]domain.StepState, len(spec.Steps))
	for _, step := range spec.Steps {
		states[step.ID] = domain.StepPending
	}
	now := time.Now().UTC()
	return &Run{
		id:         id,
		spec:       spec,
		ec:         NewExecutionContext(inputs),
		tracker:    governance.NewTracker(spec.Budget),
		sessions:   governance.NewTrackerSet(spec.SessionBudget),
		done:       make(chan struct{}),
		state:      domain.RunPending,
		stepStates: states,
		iterations: make(map[string]int),
		startedAt:  now,
		updatedAt:  now,
	}
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// PipelineID returns the id of the pipeline this run executes.
func (r *Run) PipelineID() string {
	return r.spec.ID
}

// Done is closed once the run settles.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the run-level error after the run settles, nil on success.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Status returns a point-in-time snapshot of the run's progress.
func (r *Run) Status() domain.RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps := make(map[string]domain.StepState, len(r.stepStates))
	for id, state := range r.stepStates {
		steps[id] = state
	}
	var iterations map[string]int
	if len(r.iterations) > 0 {
		iterations = make(map[string]int, len(r.iterations))
		for id, count := range r.iterations {
			iterations[id] = count
		}
	}
	return domain.RunStatus{
		RunID:      r.id,
		PipelineID: r.spec.ID,
		State:      r.state,
		Steps:      steps,
		Iterations: iterations,
		Spent:      r.tracker.Spent(),
		StartedAt:  r.startedAt,
		UpdatedAt:  r.updatedAt,
	}
}

func (r *Run) setState(state domain.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	r.updatedAt = time.Now().UTC()
}

func (r *Run) setStepState(stepID string, state domain.StepState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepStates[stepID] = state
	r.updatedAt = time.Now().UTC()
}

func (r *Run) stepState(stepID string) domain.StepState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stepStates[stepID]
}

func (r *Run) setIteration(cycleID string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iterations[cycleID] = count
	r.updatedAt = time.Now().UTC()
}

func (r *Run) iterationOf(cycleID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.iterations[cycleID]
}

// finish settles the run exactly once.
func (r *Run) finish(state domain.RunState, err error) {
	r.mu.Lock()
	r.state = state
	r.err = err
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
	close(r.done)
}

// terminal reports whether the run has settled.
func (r *Run) terminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Terminal()
}
