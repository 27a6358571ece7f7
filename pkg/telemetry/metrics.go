package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/skeinworks/skein/pkg/domain"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	stepExecutionCounter    metric.Int64Counter
	stepRetryCounter        metric.Int64Counter
	stepTimeoutCounter      metric.Int64Counter
	stepBudgetDeniedCounter metric.Int64Counter
	stepLatencyHistogram    metric.Float64Histogram
	stepTokenCounter        metric.Int64Counter
	stepCostCounter         metric.Float64Counter
)

// StepMetrics captures the fields needed to record pipeline step telemetry.
type StepMetrics struct {
	PipelineID      string
	PipelineVersion int
	StepID          string
	Capability      string
	State           domain.StepState
	ErrorKind       domain.ErrorKind
	Duration        time.Duration
	Retries         int
	Iteration       int
	Cost            domain.CostDelta
}

// RecordStepMetrics emits counters and histograms that describe step execution
// behaviour. Run ids stay off metric attributes to keep cardinality bounded;
// they belong on spans.
func RecordStepMetrics(ctx context.Context, metrics StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.Int("pipeline.version", metrics.PipelineVersion),
		attribute.String("step.id", metrics.StepID),
		attribute.String("capability.name", metrics.Capability),
		attribute.String("step.state", string(metrics.State)),
	}
	if metrics.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error.kind", string(metrics.ErrorKind)))
	}

	stepExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		stepLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Retries > 0 {
		stepRetryCounter.Add(ctx, int64(metrics.Retries), metric.WithAttributes(attrs...))
	}

	switch metrics.ErrorKind {
	case domain.KindTimeout:
		stepTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case domain.KindBudgetExceeded:
		stepBudgetDeniedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	if metrics.Cost.Tokens > 0 {
		stepTokenCounter.Add(ctx, metrics.Cost.Tokens, metric.WithAttributes(attrs...))
	}
	if metrics.Cost.CostUSD > 0 {
		stepCostCounter.Add(ctx, metrics.Cost.CostUSD, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("skein.engine")

		stepExecutionCounter, metricsInitErr = meter.Int64Counter(
			"skein.step.executions_total",
			metric.WithDescription("Pipeline step executions partitioned by state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepRetryCounter, metricsInitErr = meter.Int64Counter(
			"skein.step.retries_total",
			metric.WithDescription("Retry attempts performed by pipeline steps"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"skein.step.timeout_total",
			metric.WithDescription("Timeout failures emitted by steps"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepBudgetDeniedCounter, metricsInitErr = meter.Int64Counter(
			"skein.step.budget_denied_total",
			metric.WithDescription("Budget reservations refused before dispatch"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"skein.step.duration_ms",
			metric.WithDescription("Observed step execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		stepTokenCounter, metricsInitErr = meter.Int64Counter(
			"skein.step.tokens_total",
			metric.WithDescription("Tokens consumed by capability invocations"),
			metric.WithUnit("{token}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepCostCounter, metricsInitErr = meter.Float64Counter(
			"skein.step.cost_usd_total",
			metric.WithDescription("Spend attributed to capability invocations"),
			metric.WithUnit("{usd}"),
		)
	})

	return metricsInitErr
}
