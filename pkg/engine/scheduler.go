package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skeinworks/skein/pkg/checkpoint"
	"github.com/skeinworks/skein/pkg/domain"
	"github.com/skeinworks/skein/pkg/telemetry"
)

// scheduler drives one run. It owns the run's step states and never blocks
// on a step: workers report back over the completions channel and every tick
// re-evaluates readiness from scratch.
type scheduler struct {
	engine *Engine
	run    *Run
	graph  *graph
	logger *slog.Logger

	runCtx      context.Context
	completions chan domain.StepResult

	// inflight maps running steps to their cancel funcs so aborts and the
	// watchdog can cancel them individually.
	inflight    map[string]context.CancelFunc
	groupActive map[string]int

	// triggered arms fallback-only steps once a protected step fails.
	triggered map[string]bool

	// abandoned marks steps force-abandoned by the watchdog; their late
	// results are discarded on arrival.
	abandoned map[string]bool

	aborting bool
	runErr   error
}

func newScheduler(e *Engine, run *Run, runCtx context.Context) *scheduler {
	return &scheduler{
		engine:      e,
		run:         run,
		graph:       newGraph(run.spec),
		logger:      e.logger,
		runCtx:      runCtx,
		completions: make(chan domain.StepResult, len(run.spec.Steps)+1),
		inflight:    make(map[string]context.CancelFunc),
		groupActive: make(map[string]int),
		triggered:   make(map[string]bool),
		abandoned:   make(map[string]bool),
	}
}

func (s *scheduler) loop() {
	defer s.engine.wg.Done()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(s.runCtx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", s.run.id),
		attribute.String("pipeline.id", s.run.spec.ID),
		attribute.Int("pipeline.version", s.run.spec.Version),
	))
	s.runCtx = ctx
	defer span.End()

	s.run.setState(domain.RunRunning)
	s.logger.Info("run started",
		"run_id", s.run.id,
		"pipeline_id", s.run.spec.ID,
		"steps", len(s.run.spec.Steps),
	)
	if s.engine.metrics != nil {
		s.engine.metrics.runStarted(s.run.spec.ID)
	}

	var tickC <-chan time.Time
	if interval := s.run.spec.Defaults.CheckpointInterval; interval > 0 && s.engine.checkpoints != nil {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

runLoop:
	for {
		s.pump()
		if s.settled() {
			break
		}
		if len(s.inflight) == 0 {
			// Nothing running and nothing dispatchable: the only thing
			// keeping the run open is a fallback that never armed. Release
			// it so its dependents settle instead of waiting forever.
			if !s.releaseFallbacks() {
				break
			}
			continue
		}
		select {
		case result := <-s.completions:
			s.onCompletion(result)
			if s.run.spec.Defaults.CheckpointEveryStep {
				s.checkpoint()
			}
		case <-tickC:
			s.checkpoint()
		case <-s.runCtx.Done():
			s.drain()
			break runLoop
		}
	}

	s.finish(span)
}

// pump dispatches every step that is ready and skips every step whose
// required path died, repeating until a pass makes no progress. Iteration is
// in lexical step order so ties break identically on every run.
func (s *scheduler) pump() {
	if s.runCtx.Err() != nil {
		return
	}
	for {
		progressed := false
		for _, id := range s.graph.sortedIDs() {
			state := s.run.stepState(id)
			if state != domain.StepPending && state != domain.StepReady {
				continue
			}
			if s.graph.fallbackOnly[id] && !s.triggered[id] {
				continue
			}
			step := s.graph.step(id)
			if s.aborting && !step.AlwaysRun {
				s.skipStep(id, domain.KindCanceled, "run aborted after earlier failure")
				progressed = true
				continue
			}
			verdict, reason := s.readiness(step)
			switch verdict {
			case readinessDead:
				s.skipStep(id, domain.KindUpstreamSkipped, reason)
				progressed = true
			case readinessReady:
				if !s.capacityFor(step) {
					if state == domain.StepPending {
						s.run.setStepState(id, domain.StepReady)
					}
					continue
				}
				s.dispatch(step)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

type readinessVerdict int

const (
	readinessBlocked readinessVerdict = iota
	readinessReady
	readinessDead
)

// readiness decides whether a step can dispatch. Back edges never gate the
// first pass through a cycle; they only matter when they fire.
func (s *scheduler) readiness(step domain.StepSpec) (readinessVerdict, string) {
	edges := s.graph.forwardIncoming(step.ID)

	if step.AlwaysRun {
		// Dispatches once predecessors are terminal in any state; edge
		// conditions do not apply to cleanup steps.
		for _, edge := range edges {
			if !s.run.stepState(edge.From).Terminal() {
				return readinessBlocked, ""
			}
		}
		return readinessReady, ""
	}

	for _, edge := range edges {
		switch s.run.stepState(edge.From) {
		case domain.StepSucceeded:
			if edge.When == "" {
				continue
			}
			ok, err := s.engine.executor.resolver.Condition(s.runCtx, edge.When, s.run.ec.Lookup())
			if err != nil {
				s.logger.Warn("edge condition failed, treating as false",
					"run_id", s.run.id,
					"from", edge.From,
					"to", edge.To,
					"error", err,
				)
				return readinessDead, fmt.Sprintf("condition on edge %s -> %s failed: %v", edge.From, edge.To, err)
			}
			if !ok {
				return readinessDead, fmt.Sprintf("condition on edge %s -> %s is false", edge.From, edge.To)
			}
		case domain.StepSkipped:
			if edge.Optional {
				continue
			}
			return readinessDead, fmt.Sprintf("upstream step %s skipped", edge.From)
		case domain.StepFailed:
			return readinessDead, fmt.Sprintf("upstream step %s failed", edge.From)
		default:
			return readinessBlocked, ""
		}
	}
	return readinessReady, ""
}

// capacityFor enforces the per-run and per-group concurrency ceilings. The
// engine-wide worker pool is enforced by the workers themselves.
func (s *scheduler) capacityFor(step domain.StepSpec) bool {
	if limit := s.run.spec.Defaults.MaxConcurrency; limit > 0 && len(s.inflight) >= limit {
		return false
	}
	if step.Group != "" {
		if group, ok := s.run.spec.GroupByName(step.Group); ok && group.MaxConcurrency > 0 && s.groupActive[step.Group] >= group.MaxConcurrency {
			return false
		}
	}
	return true
}

func (s *scheduler) dispatch(step domain.StepSpec) {
	iteration := 0
	if cycle, ok := s.graph.cycleOf(step.ID); ok {
		if s.run.iterationOf(cycle.ID) == 0 {
			s.run.setIteration(cycle.ID, 1)
		}
		iteration = s.run.iterationOf(cycle.ID)
	}

	stepCtx, cancel := context.WithCancel(s.runCtx)
	s.inflight[step.ID] = cancel
	if step.Group != "" {
		s.groupActive[step.Group]++
	}
	s.run.setStepState(step.ID, domain.StepRunning)

	go func() {
		defer cancel()
		select {
		case s.engine.workers <- struct{}{}:
		case <-stepCtx.Done():
			s.completions <- domain.SkippedResult(step.ID, domain.KindCanceled, "canceled while awaiting worker")
			return
		}
		result := s.engine.executor.execute(stepCtx, s.run, step, iteration)
		<-s.engine.workers
		s.completions <- result
	}()
}

func (s *scheduler) onCompletion(result domain.StepResult) {
	id := result.StepID
	step := s.graph.step(id)

	if cancel, ok := s.inflight[id]; ok {
		cancel()
		delete(s.inflight, id)
	}
	if step.Group != "" {
		s.groupActive[step.Group]--
	}

	if s.abandoned[id] {
		delete(s.abandoned, id)
		s.logger.Debug("discarding late result from abandoned step", "run_id", s.run.id, "step_id", id)
		return
	}

	s.run.ec.Record(result)

	if !result.Failed() {
		s.run.setStepState(id, domain.StepSucceeded)
		s.maybeReenterCycle(step)
		return
	}

	if step.BestEffort && result.Error.Kind == domain.KindBudgetExceeded {
		s.run.setStepState(id, domain.StepSkipped)
		return
	}

	s.run.setStepState(id, domain.StepFailed)

	switch result.Error.Kind {
	case domain.KindBudgetExceeded:
		s.failRun(fmt.Errorf("step %s: %w", id, domain.ErrBudgetExceeded))
		return
	case domain.KindCanceled:
		return
	}

	if step.OnError != "" {
		s.triggered[step.OnError] = true
		// A fallback released as never-armed can still be revived by a
		// late failure of an optional dependent.
		if s.run.stepState(step.OnError) == domain.StepSkipped {
			s.run.setStepState(step.OnError, domain.StepPending)
		}
		s.logger.Info("fallback armed",
			"run_id", s.run.id,
			"failed_step", id,
			"fallback", step.OnError,
		)
		return
	}

	if s.run.spec.Defaults.AbortOnFailure && !s.aborting {
		s.aborting = true
		s.cancelInflight()
	}
}

// maybeReenterCycle fires the back edges leaving a step that just succeeded.
// Firing one increments the cycle's iteration counter and resets the members
// to Pending; their previous entries stay readable until the new iteration
// overwrites them.
func (s *scheduler) maybeReenterCycle(step domain.StepSpec) {
	for _, edge := range s.graph.outgoingEdges(step.ID) {
		if !s.graph.isBack(edge) {
			continue
		}
		if edge.When != "" {
			ok, err := s.engine.executor.resolver.Condition(s.runCtx, edge.When, s.run.ec.Lookup())
			if err != nil {
				s.logger.Warn("back edge condition failed, treating as false",
					"run_id", s.run.id,
					"from", edge.From,
					"to", edge.To,
					"error", err,
				)
				continue
			}
			if !ok {
				continue
			}
		}

		cycle, ok := s.graph.cycleOf(edge.To)
		if !ok {
			continue
		}
		count := s.run.iterationOf(cycle.ID)
		if count >= cycle.MaxIterations {
			s.failRun(fmt.Errorf("cycle %s: %w after %d iterations", cycle.ID, domain.ErrCycleLimitExceeded, count))
			return
		}
		s.run.setIteration(cycle.ID, count+1)
		if s.engine.metrics != nil {
			s.engine.metrics.cycleIteration(s.run.spec.ID, cycle.ID)
		}
		s.logger.Info("cycle re-entered",
			"run_id", s.run.id,
			"cycle_id", cycle.ID,
			"iteration", count+1,
		)
		for _, member := range cycle.Members {
			if s.run.stepState(member) == domain.StepRunning {
				continue
			}
			s.run.setStepState(member, domain.StepPending)
		}
	}
}

// failRun records the first run-level fatal error and stops scheduling
// everything except always_run steps.
func (s *scheduler) failRun(err error) {
	if s.runErr == nil {
		s.runErr = err
	}
	s.aborting = true
	s.cancelInflight()
}

func (s *scheduler) cancelInflight() {
	for _, cancel := range s.inflight {
		cancel()
	}
}

// drain runs after the run context dies: it waits out in-flight steps for the
// shutdown grace period, then force-abandons whatever is still running.
func (s *scheduler) drain() {
	grace := time.NewTimer(s.engine.grace)
	defer grace.Stop()

	for len(s.inflight) > 0 {
		select {
		case result := <-s.completions:
			s.onCompletion(result)
		case <-grace.C:
			s.forceAbandon()
		}
	}
}

// forceAbandon writes a terminal result for every step still running and
// marks it abandoned so the late result is discarded when it finally lands.
func (s *scheduler) forceAbandon() {
	kind := domain.KindCanceled
	message := "abandoned after cancellation grace period"
	if s.runCtx.Err() == context.DeadlineExceeded {
		kind = domain.KindTimeout
		message = "abandoned after run timeout grace period"
	}

	for id := range s.inflight {
		step := s.graph.step(id)
		s.logger.Warn("force-abandoning unresponsive step", "run_id", s.run.id, "step_id", id)
		s.run.ec.Record(domain.SkippedResult(id, kind, message))
		s.run.setStepState(id, domain.StepFailed)
		s.abandoned[id] = true
		delete(s.inflight, id)
		if step.Group != "" {
			s.groupActive[step.Group]--
		}
	}
}

// releaseFallbacks skips every fallback-only step that was never armed.
// Reports whether anything was released.
func (s *scheduler) releaseFallbacks() bool {
	released := false
	for _, id := range s.graph.sortedIDs() {
		state := s.run.stepState(id)
		if state != domain.StepPending && state != domain.StepReady {
			continue
		}
		if s.graph.fallbackOnly[id] && !s.triggered[id] {
			s.skipStep(id, domain.KindUpstreamSkipped, "fallback never triggered")
			released = true
		}
	}
	return released
}

// settled reports whether the scheduler has nothing left to dispatch or wait
// for. Fallback steps that were never triggered do not hold a run open.
func (s *scheduler) settled() bool {
	if len(s.inflight) > 0 {
		return false
	}
	if s.runCtx.Err() != nil {
		return true
	}
	for _, id := range s.graph.sortedIDs() {
		switch s.run.stepState(id) {
		case domain.StepPending, domain.StepReady:
			if s.graph.fallbackOnly[id] && !s.triggered[id] {
				continue
			}
			return false
		case domain.StepRunning:
			return false
		}
	}
	return true
}

// finish settles every undispatched step, persists or clears the checkpoint,
// and resolves the run state.
func (s *scheduler) finish(span trace.Span) {
	for _, id := range s.graph.sortedIDs() {
		switch s.run.stepState(id) {
		case domain.StepPending, domain.StepReady:
			kind := domain.KindUpstreamSkipped
			message := "fallback never triggered"
			if !s.graph.fallbackOnly[id] || s.triggered[id] {
				switch s.runCtx.Err() {
				case context.DeadlineExceeded:
					kind = domain.KindTimeout
					message = "run timed out before dispatch"
				default:
					kind = domain.KindCanceled
					message = "run canceled before dispatch"
				}
			}
			s.skipStep(id, kind, message)
		}
	}

	state, runErr := s.outcome()

	if s.engine.checkpoints != nil && s.checkpointing() {
		if state == domain.RunSucceeded {
			s.clearCheckpoint()
		} else {
			s.checkpoint()
		}
	}

	s.run.finish(state, runErr)

	status := s.run.Status()
	telemetry.RecordRunOutcome(span, status)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	}
	if s.engine.metrics != nil {
		s.engine.metrics.runFinished(s.run.spec.ID, state, time.Since(s.run.startedAt))
	}

	logArgs := []any{
		"run_id", s.run.id,
		"pipeline_id", s.run.spec.ID,
		"state", string(state),
		"cost_usd", status.Spent.CostUSD,
		"tokens", status.Spent.Tokens,
		"requests", status.Spent.Requests,
	}
	if runErr != nil {
		logArgs = append(logArgs, "error", runErr)
		s.logger.Warn("run finished", logArgs...)
		return
	}
	s.logger.Info("run finished", logArgs...)
}

// outcome resolves the final run state from the run-level error, the context
// verdict, and the per-step states. A failed step whose on_error fallback was
// armed does not fail the run; the failure surfaces in the step error map.
func (s *scheduler) outcome() (domain.RunState, error) {
	if s.runErr != nil {
		return domain.RunFailed, s.runErr
	}
	switch s.runCtx.Err() {
	case context.DeadlineExceeded:
		return domain.RunFailed, fmt.Errorf("run exceeded %s timeout: %w", s.run.spec.Timeout, context.DeadlineExceeded)
	case context.Canceled:
		return domain.RunCanceled, fmt.Errorf("run canceled: %w", context.Canceled)
	}

	for _, id := range s.graph.sortedIDs() {
		if s.run.stepState(id) != domain.StepFailed {
			continue
		}
		if s.graph.step(id).OnError != "" {
			continue
		}
		result, _ := s.run.ec.Result(id)
		return domain.RunFailed, fmt.Errorf("step %s failed: %s", id, result.Error)
	}
	return domain.RunSucceeded, nil
}

func (s *scheduler) skipStep(id string, kind domain.ErrorKind, message string) {
	s.run.ec.Record(domain.SkippedResult(id, kind, message))
	s.run.setStepState(id, domain.StepSkipped)
	s.logger.Debug("step skipped", "run_id", s.run.id, "step_id", id, "reason", message)
}

func (s *scheduler) checkpointing() bool {
	return s.run.spec.Defaults.CheckpointInterval > 0 || s.run.spec.Defaults.CheckpointEveryStep
}

func (s *scheduler) checkpoint() {
	if s.engine.checkpoints == nil {
		return
	}
	snap := s.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := s.engine.checkpoints.Save(ctx, snap); err != nil {
		s.logger.Warn("checkpoint save failed", "run_id", s.run.id, "error", err)
		if s.engine.metrics != nil {
			s.engine.metrics.checkpointSaved(false)
		}
		return
	}
	if s.engine.metrics != nil {
		s.engine.metrics.checkpointSaved(true)
	}
	s.logger.Debug("checkpoint saved", "run_id", s.run.id, "completed", len(snap.Completed))
}

func (s *scheduler) clearCheckpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := s.engine.checkpoints.Delete(ctx, s.run.id); err != nil {
		s.logger.Debug("checkpoint delete failed", "run_id", s.run.id, "error", err)
	}
}

const checkpointTimeout = 5 * time.Second

// snapshot captures everything resume needs: completed steps, their results,
// spend, cycle counters, and session windows.
func (s *scheduler) snapshot() *checkpoint.Snapshot {
	status := s.run.Status()
	var completed []string
	for id, state := range status.Steps {
		if state == domain.StepSucceeded {
			completed = append(completed, id)
		}
	}
	sort.Strings(completed)

	return &checkpoint.Snapshot{
		RunID:      s.run.id,
		PipelineID: s.run.spec.ID,
		CreatedAt:  time.Now().UTC(),
		Inputs:     s.run.ec.Inputs(),
		Completed:  completed,
		Results:    s.run.ec.Results(),
		Spent:      s.run.tracker.Spent(),
		Iterations: status.Iterations,
		Sessions:   s.engine.sessions.Export(),
	}
}
