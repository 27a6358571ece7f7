// Package capability defines the contract between the pipeline engine and the
// units of work it schedules, keeping step business logic decoupled from
// scheduling mechanics.
package capability

import (
	"context"

	"github.com/skeinworks/skein/pkg/domain"
)

// Capability executes one unit of pipeline work. Implementations receive the
// step parameters with every reference already resolved to concrete values,
// and report their outputs together with the resources the invocation
// consumed.
//
// The step deadline rides on ctx; implementations must return promptly once
// it is done. Failures should be returned as *domain.TaggedError so the
// engine can classify them for retry and fallback routing; untagged errors
// classify as KindInternal. Reported cost covers currency and token spend.
// The engine itself counts one request per invocation, so a capability only
// reports requests when a single invocation fans out into additional
// billable calls.
type Capability interface {
	Invoke(ctx context.Context, params map[string]any) (outputs map[string]any, cost domain.CostDelta, err error)
}

// Func adapts a plain function to the Capability interface.
type Func func(ctx context.Context, params map[string]any) (map[string]any, domain.CostDelta, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, params map[string]any) (map[string]any, domain.CostDelta, error) {
	return f(ctx, params)
}

// CostEstimator is an optional upgrade for capabilities that can predict
// their spend before running. When implemented, the engine reserves the
// estimate against the run budget ahead of dispatch instead of the step's
// declared estimate, and reconciles it with the actual cost afterwards.
type CostEstimator interface {
	EstimateCost(params map[string]any) domain.CostDelta
}
