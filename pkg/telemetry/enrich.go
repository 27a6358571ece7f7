package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skeinworks/skein/pkg/domain"
)

// RecordStepOutcome annotates the provided span with the terminal result of a
// step. Outputs stay off the span; only their key count is recorded.
func RecordStepOutcome(span trace.Span, result domain.StepResult) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("step.id", result.StepID),
		attribute.Int("step.attempts", result.Attempts),
		attribute.Int("step.output_keys", len(result.Outputs)),
	)
	if result.Iteration > 0 {
		span.SetAttributes(attribute.Int("step.iteration", result.Iteration))
	}
	if !result.Cost.IsZero() {
		span.SetAttributes(
			attribute.Float64("step.cost_usd", result.Cost.CostUSD),
			attribute.Int64("step.tokens", result.Cost.Tokens),
			attribute.Int64("step.requests", result.Cost.Requests),
		)
	}

	if result.Error == nil {
		return
	}
	span.SetAttributes(
		attribute.String("error.kind", string(result.Error.Kind)),
		attribute.Bool("error.retryable", result.Error.Retryable),
	)
	switch result.Error.Kind {
	case domain.KindBudgetExceeded:
		span.AddEvent("budget.denied")
	case domain.KindCycleLimit:
		span.AddEvent("cycle.limit_reached")
	}
}

// RecordRunOutcome annotates the provided span with a run's final status.
func RecordRunOutcome(span trace.Span, status domain.RunStatus) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("run.id", status.RunID),
		attribute.String("pipeline.id", status.PipelineID),
		attribute.String("run.state", string(status.State)),
		attribute.Float64("run.cost_usd", status.Spent.CostUSD),
		attribute.Int64("run.tokens", status.Spent.Tokens),
		attribute.Int64("run.requests", status.Spent.Requests),
	)

	for cycle, count := range status.Iterations {
		if count > 0 {
			span.SetAttributes(attribute.Int("cycle."+cycle+".iterations", count))
		}
	}
}
