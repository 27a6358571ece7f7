package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/skeinworks/skein/internal/governance"
	"github.com/skeinworks/skein/pkg/capability"
	"github.com/skeinworks/skein/pkg/domain"
	"github.com/skeinworks/skein/pkg/engine/expr"
	"github.com/skeinworks/skein/pkg/session"
	"github.com/skeinworks/skein/pkg/telemetry"
)

const tracerName = "skein.engine"

// stepExecutor runs one step to a terminal result: parameter resolution,
// budget reservation, breaker and pacing checks, the retrying invocation
// loop, and session bookkeeping. It writes exactly one StepResult per call
// and never touches another step's entry.
type stepExecutor struct {
	capabilities   *capability.Registry
	resolver       *expr.Resolver
	sessions       *session.Store
	breakers       *governance.BreakerSet
	limiter        *governance.RateLimiter
	logger         *slog.Logger
	metrics        *Metrics
	retrySeed      int64
	defaultTimeout time.Duration
}

func (x *stepExecutor) execute(ctx context.Context, run *Run, step domain.StepSpec, iteration int) domain.StepResult {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "step.execute")
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("run.id", run.id),
		attribute.String("pipeline.id", run.spec.ID),
		attribute.String("step.id", step.ID),
		attribute.String("capability.name", step.Capability),
	}
	span.SetAttributes(telemetry.RedactAttributes(attrs, nil)...)

	started := time.Now()
	result := x.perform(ctx, run, step, iteration)
	duration := time.Since(started)

	state := domain.StepSucceeded
	var errKind domain.ErrorKind
	if result.Failed() {
		errKind = result.Error.Kind
		state = domain.StepFailed
		if step.BestEffort && errKind == domain.KindBudgetExceeded {
			state = domain.StepSkipped
		}
		span.SetStatus(codes.Error, result.Error.Error())
	}

	telemetry.RecordStepOutcome(span, result)
	telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
		PipelineID:      run.spec.ID,
		PipelineVersion: run.spec.Version,
		StepID:          step.ID,
		Capability:      step.Capability,
		State:           state,
		ErrorKind:       errKind,
		Duration:        duration,
		Retries:         result.Attempts - 1,
		Iteration:       result.Iteration,
		Cost:            result.Cost,
	})
	if x.metrics != nil {
		x.metrics.stepFinished(run.spec.ID, step.Capability, state, duration)
	}

	logArgs := []any{
		"run_id", run.id,
		"step_id", step.ID,
		"capability", step.Capability,
		"state", string(state),
		"attempts", result.Attempts,
		"duration_ms", duration.Milliseconds(),
	}
	if result.Iteration > 0 {
		logArgs = append(logArgs, "iteration", result.Iteration)
	}
	if result.Failed() {
		logArgs = append(logArgs, "error_kind", string(errKind), "error", result.Error.Message)
		x.logger.Warn("step finished", logArgs...)
	} else {
		x.logger.Info("step finished", logArgs...)
	}
	return result
}

// perform drives the step through reservation and the attempt loop.
func (x *stepExecutor) perform(ctx context.Context, run *Run, step domain.StepSpec, iteration int) domain.StepResult {
	startedAt := time.Now().UTC()
	fail := func(kind domain.ErrorKind, retryable bool, attempts int, cost domain.CostDelta, err error) domain.StepResult {
		return domain.StepResult{
			StepID:      step.ID,
			Cost:        cost,
			Error:       &domain.StepError{Kind: kind, Message: err.Error(), Retryable: retryable},
			Attempts:    attempts,
			Iteration:   iteration,
			StartedAt:   startedAt,
			CompletedAt: time.Now().UTC(),
		}
	}

	impl, meta, err := x.capabilities.Resolve(step.Capability)
	if err != nil {
		return fail(domain.KindInternal, false, 0, domain.CostDelta{}, err)
	}

	lookup := run.ec.Lookup()
	params, err := x.resolver.Params(ctx, step.Params, lookup)
	if err != nil {
		err = fmt.Errorf("%w: step %s: %v", domain.ErrUnresolvedReference, step.ID, err)
		return fail(domain.KindInvalidInput, false, 0, domain.CostDelta{}, err)
	}

	sessionKey, err := x.bindSession(ctx, run, step, params, lookup)
	if err != nil {
		return fail(domain.KindInvalidInput, false, 0, domain.CostDelta{}, err)
	}

	estimate := step.Estimate
	if estimator, ok := impl.(capability.CostEstimator); ok {
		estimate = estimator.EstimateCost(params)
	}
	if !run.tracker.Reserve(estimate) {
		if x.metrics != nil {
			x.metrics.budgetDenied(run.spec.ID)
		}
		err := fmt.Errorf("%w: step %s estimate exceeds remaining run budget", domain.ErrBudgetExceeded, step.ID)
		return fail(domain.KindBudgetExceeded, false, 0, domain.CostDelta{}, err)
	}
	var sessionTracker *governance.Tracker
	if sessionKey != "" {
		sessionTracker = run.sessions.For(sessionKey)
		if !sessionTracker.Reserve(estimate) {
			run.tracker.Release(estimate)
			if x.metrics != nil {
				x.metrics.budgetDenied(run.spec.ID)
			}
			err := fmt.Errorf("%w: step %s estimate exceeds session %s budget", domain.ErrBudgetExceeded, step.ID, sessionKey)
			return fail(domain.KindBudgetExceeded, false, 0, domain.CostDelta{}, err)
		}
	}

	// Record the user turn once, not per attempt.
	if b := step.Session; b != nil && b.InputParam != "" {
		if content := turnContent(params[b.InputParam]); content != "" {
			if err := x.sessions.Append(ctx, sessionKey, domain.Turn{Role: domain.RoleUser, Content: content}); err != nil {
				x.logger.Warn("session input append failed", "run_id", run.id, "step_id", step.ID, "session_id", sessionKey, "error", err)
			}
		}
	}

	policy := governance.NewRetryPolicy(run.spec.RetryFor(step), x.retrySeed)
	breaker := x.breakers.For(meta.Name)
	timeout := run.spec.TimeoutFor(step)
	if timeout == 0 {
		timeout = x.defaultTimeout
	}

	settle := func(actual domain.CostDelta) {
		if actual.IsZero() {
			run.tracker.Release(estimate)
			if sessionTracker != nil {
				sessionTracker.Release(estimate)
			}
			return
		}
		run.tracker.Commit(estimate, actual)
		if sessionTracker != nil {
			sessionTracker.Commit(estimate, actual)
		}
	}

	var (
		attempts int
		total    domain.CostDelta
		lastErr  error
	)
	for {
		attempts++
		invoked, outputs, cost, attemptErr := x.attempt(ctx, breaker, impl, meta.Name, params, timeout)
		if invoked {
			total = total.Add(cost).Add(domain.CostDelta{Requests: 1})
		}

		if attemptErr == nil {
			settle(total)
			if b := step.Session; b != nil && b.OutputKey != "" {
				if content := turnContent(outputs[b.OutputKey]); content != "" {
					if err := x.sessions.Append(ctx, sessionKey, domain.Turn{Role: domain.RoleAssistant, Content: content}); err != nil {
						x.logger.Warn("session output append failed", "run_id", run.id, "step_id", step.ID, "session_id", sessionKey, "error", err)
					}
				}
			}
			return domain.StepResult{
				StepID:      step.ID,
				Outputs:     outputs,
				Cost:        total,
				Attempts:    attempts,
				Iteration:   iteration,
				StartedAt:   startedAt,
				CompletedAt: time.Now().UTC(),
			}
		}

		lastErr = attemptErr
		kind := domain.KindOf(attemptErr)
		if retry, delay := policy.ShouldRetry(attempts, kind); retry {
			if x.metrics != nil {
				x.metrics.stepRetried(run.spec.ID, step.Capability)
			}
			x.logger.Debug("step retrying",
				"run_id", run.id,
				"step_id", step.ID,
				"attempt", attempts,
				"error_kind", string(kind),
				"delay", delay.String(),
			)
			if err := governance.Sleep(ctx, delay); err == nil {
				continue
			}
			// Canceled mid-backoff; surface the original failure.
		}

		settle(total)
		return fail(kind, policy.Spec().RetryableKind(kind), attempts, total, lastErr)
	}
}

// attempt performs one capability invocation under the step deadline. The
// invoked flag reports whether the capability actually ran, so governance
// refusals never count a request.
func (x *stepExecutor) attempt(ctx context.Context, breaker *governance.Breaker, impl capability.Capability, name string, params map[string]any, timeout time.Duration) (invoked bool, outputs map[string]any, cost domain.CostDelta, err error) {
	if err := breaker.Allow(); err != nil {
		return false, nil, domain.CostDelta{}, domain.Tag(domain.KindUnavailable, err)
	}

	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// Pacing waits burn the attempt's own deadline.
	if err := x.limiter.Wait(attemptCtx, name); err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = domain.Tagf(domain.KindTimeout, "pacing wait exceeded %s timeout", timeout)
		}
		return false, nil, domain.CostDelta{}, err
	}

	outputs, cost, err = impl.Invoke(attemptCtx, params)
	if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = domain.Tagf(domain.KindTimeout, "attempt exceeded %s timeout", timeout)
	}
	breaker.Record(err)
	return true, outputs, cost, err
}

// bindSession resolves the step's session binding and injects the current
// window into the parameters. The window snapshot precedes the input turn, so
// the capability sees the conversation as it stood at dispatch.
func (x *stepExecutor) bindSession(ctx context.Context, run *Run, step domain.StepSpec, params map[string]any, lookup expr.LookupFunc) (string, error) {
	b := step.Session
	if b == nil {
		return "", nil
	}

	resolved, err := x.resolver.Resolve(ctx, b.Key, lookup)
	if err != nil {
		return "", fmt.Errorf("session key for step %s: %w", step.ID, err)
	}
	key := turnContent(resolved)
	if key == "" {
		return "", fmt.Errorf("session key for step %s resolved empty", step.ID)
	}

	policy, ok := run.spec.Sessions[b.Key]
	if !ok {
		policy, ok = run.spec.Sessions[key]
	}
	if ok {
		x.sessions.Create(key, policy)
	}

	if b.WindowParam != "" {
		params[b.WindowParam] = windowPayload(x.sessions.Window(key))
	}
	return key, nil
}

// windowPayload converts session turns into the plain shape capabilities
// consume.
func windowPayload(turns []domain.Turn) []map[string]any {
	payload := make([]map[string]any, 0, len(turns))
	for _, turn := range turns {
		payload = append(payload, map[string]any{
			"role":    turn.Role,
			"content": turn.Content,
		})
	}
	return payload
}

func turnContent(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
