package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinworks/skein/internal/governance"
	"github.com/skeinworks/skein/pkg/capability"
	"github.com/skeinworks/skein/pkg/checkpoint"
	"github.com/skeinworks/skein/pkg/domain"
	"github.com/skeinworks/skein/pkg/engine/expr"
	"github.com/skeinworks/skein/pkg/session"
)

const (
	defaultMaxWorkers    = 8
	defaultShutdownGrace = 5 * time.Second
)

// Options configures an Engine. Zero values fall back to working defaults;
// only the capability registry is genuinely required for useful runs.
type Options struct {
	Capabilities *capability.Registry
	Sessions     *session.Store

	// Checkpoints enables run persistence. Nil disables checkpointing and
	// resume entirely.
	Checkpoints checkpoint.Store

	Logger  *slog.Logger
	Metrics *Metrics

	// MaxWorkers bounds in-flight steps across every run.
	MaxWorkers int

	// DefaultStepTimeout bounds attempts of steps whose pipeline declares no
	// timeout of its own. Zero leaves such steps bounded only by the run
	// deadline.
	DefaultStepTimeout time.Duration

	// ShutdownGrace is how long cancellation waits for in-flight steps
	// before force-abandoning them.
	ShutdownGrace time.Duration

	// ResetCyclesOnResume zeroes cycle iteration counters when resuming, so
	// a resumed run gets its full iteration allowance again.
	ResetCyclesOnResume bool

	// RetrySeed pins backoff jitter for reproducible runs. Zero seeds from
	// the clock.
	RetrySeed int64

	// Breaker tunes the per-capability circuit breakers; Limits declares
	// per-capability request pacing.
	Breaker governance.BreakerConfig
	Limits  map[string]governance.LimiterConfig
}

// Engine executes pipeline runs. It is safe for concurrent use; every run
// gets its own scheduler goroutine while the engine-wide worker pool bounds
// actual step execution.
type Engine struct {
	logger      *slog.Logger
	sessions    *session.Store
	checkpoints checkpoint.Store
	metrics     *Metrics
	executor    *stepExecutor

	workers     chan struct{}
	grace       time.Duration
	resetCycles bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*Run
	closed bool
}

// New constructs an engine from options.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	capabilities := opts.Capabilities
	if capabilities == nil {
		capabilities = capability.NewRegistry()
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewStore(domain.SessionPolicy{}, logger)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	sessions.SetMetrics(metrics)

	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	breakerCfg := opts.Breaker
	if breakerCfg == (governance.BreakerConfig{}) {
		breakerCfg = governance.DefaultBreakerConfig()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	e := &Engine{
		logger:      logger,
		sessions:    sessions,
		checkpoints: opts.Checkpoints,
		metrics:     metrics,
		workers:     make(chan struct{}, maxWorkers),
		grace:       grace,
		resetCycles: opts.ResetCyclesOnResume,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		runs:        make(map[string]*Run),
	}
	e.executor = &stepExecutor{
		capabilities:   capabilities,
		resolver:       expr.NewResolver(expr.Options{}),
		sessions:       sessions,
		breakers:       governance.NewBreakerSet(breakerCfg),
		limiter:        governance.NewRateLimiter(opts.Limits),
		logger:         logger,
		metrics:        metrics,
		retrySeed:      opts.RetrySeed,
		defaultTimeout: opts.DefaultStepTimeout,
	}
	return e
}

// UseSummarizer installs the named capability as the summarizer behind the
// summarize and compress session reduction strategies.
func (e *Engine) UseSummarizer(ref string) error {
	impl, _, err := e.executor.capabilities.Resolve(ref)
	if err != nil {
		return err
	}
	e.sessions.SetSummarizer(session.NewCapabilitySummarizer(impl))
	return nil
}

// Submit starts a new run of the pipeline and returns immediately with its
// handle. The run executes in the background until terminal.
func (e *Engine) Submit(ctx context.Context, spec *domain.PipelineSpec, inputs map[string]any) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.checkSpec(spec); err != nil {
		return nil, err
	}

	run := newRun(uuid.NewString(), spec, inputs)
	if err := e.start(run); err != nil {
		return nil, err
	}
	e.logger.Info("run submitted",
		"run_id", run.id,
		"pipeline_id", spec.ID,
		"pipeline_version", spec.Version,
	)
	return run, nil
}

// Resume reloads a checkpointed run and continues it: completed steps keep
// their recorded outputs, failed and undispatched steps execute again. A
// corrupt checkpoint is fatal.
func (e *Engine) Resume(ctx context.Context, spec *domain.PipelineSpec, runID string) (*Run, error) {
	if err := e.checkSpec(spec); err != nil {
		return nil, err
	}
	if e.checkpoints == nil {
		return nil, fmt.Errorf("resume run %s: no checkpoint store configured", runID)
	}

	snap, found, err := e.checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resume run %s: %w", runID, err)
	}
	if !found {
		return nil, fmt.Errorf("resume run %s: %w", runID, domain.ErrCheckpointNotFound)
	}
	if snap.PipelineID != spec.ID {
		return nil, fmt.Errorf("resume run %s: checkpoint belongs to pipeline %s, not %s", runID, snap.PipelineID, spec.ID)
	}

	run := newRun(runID, spec, snap.Inputs)
	run.ec.Restore(snap.Results)
	run.tracker.Restore(snap.Spent)
	if !e.resetCycles {
		for cycleID, count := range snap.Iterations {
			run.iterations[cycleID] = count
		}
	}
	for _, stepID := range snap.Completed {
		if _, ok := run.stepStates[stepID]; ok {
			run.stepStates[stepID] = domain.StepSucceeded
		}
	}
	e.sessions.Restore(snap.Sessions)

	if err := e.start(run); err != nil {
		return nil, err
	}
	e.logger.Info("run resumed",
		"run_id", runID,
		"pipeline_id", spec.ID,
		"completed_steps", len(snap.Completed),
		"reset_cycles", e.resetCycles,
	)
	return run, nil
}

// Status returns a snapshot of the run's progress.
func (e *Engine) Status(runID string) (domain.RunStatus, error) {
	run, err := e.lookup(runID)
	if err != nil {
		return domain.RunStatus{}, err
	}
	return run.Status(), nil
}

// Cancel requests cooperative cancellation of a run. Steps that ignore it
// past the shutdown grace are force-abandoned.
func (e *Engine) Cancel(runID string) error {
	run, err := e.lookup(runID)
	if err != nil {
		return err
	}
	if run.terminal() {
		return fmt.Errorf("cancel run %s: %w", runID, domain.ErrRunTerminal)
	}
	e.logger.Info("run cancel requested", "run_id", runID)
	run.cancel()
	return nil
}

// Result blocks until the run settles, then returns the outputs of every
// succeeded step keyed by step id, the error recorded for every step that
// did not succeed, and the run-level error when the run itself failed.
// Partial outputs are never dropped.
func (e *Engine) Result(ctx context.Context, runID string) (map[string]any, map[string]error, error) {
	run, err := e.lookup(runID)
	if err != nil {
		return nil, nil, err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	outputs := make(map[string]any)
	stepErrs := make(map[string]error)
	for stepID, result := range run.ec.Results() {
		if result.Failed() {
			stepErrs[stepID] = result.Error
			continue
		}
		if len(result.Outputs) > 0 {
			outputs[stepID] = result.Outputs
		}
	}
	return outputs, stepErrs, run.Err()
}

// Close stops accepting submissions, cancels active runs cooperatively, and
// waits for their schedulers to settle.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.baseCancel()
	e.wg.Wait()
	e.logger.Info("engine shut down")
	return nil
}

// Metrics exposes the engine's metrics so an ops listener can serve them.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

func (e *Engine) checkSpec(spec *domain.PipelineSpec) error {
	if spec == nil || len(spec.Steps) == 0 {
		return fmt.Errorf("%w: pipeline declares no steps", domain.ErrConfigInvalid)
	}
	for _, step := range spec.Steps {
		if !e.executor.capabilities.Has(step.Capability) {
			return fmt.Errorf("step %s: resolve capability %q: %w", step.ID, step.Capability, domain.ErrCapabilityNotFound)
		}
	}
	return nil
}

func (e *Engine) start(run *Run) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("engine is shut down")
	}
	if _, exists := e.runs[run.id]; exists {
		return fmt.Errorf("run %s is already active", run.id)
	}

	runCtx := e.baseCtx
	var cancel context.CancelFunc
	if run.spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, run.spec.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	run.cancel = cancel

	e.runs[run.id] = run
	e.wg.Add(1)
	go newScheduler(e, run, runCtx).loop()
	return nil
}

func (e *Engine) lookup(runID string) (*Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrRunNotFound)
	}
	return run, nil
}
