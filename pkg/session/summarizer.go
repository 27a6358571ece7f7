package session

import (
	"context"
	"fmt"

	"github.com/skeinworks/skein/pkg/capability"
	"github.com/skeinworks/skein/pkg/domain"
)

// Summarizer folds a run of turns into one synthetic turn. The mode carries
// the reduction strategy so implementations can decide how aggressively to
// condense; the returned cost is reported for observability.
type Summarizer interface {
	Summarize(ctx context.Context, turns []domain.Turn, mode domain.ReductionStrategy) (domain.Turn, domain.CostDelta, error)
}

// CapabilitySummarizer adapts a registered capability to the Summarizer
// interface. The capability receives the turns as role/content maps under
// the "turns" parameter and the strategy under "mode", and must return the
// condensed text under the "summary" output, optionally with its own
// "tokens" estimate.
type CapabilitySummarizer struct {
	impl capability.Capability
}

// NewCapabilitySummarizer wraps impl.
func NewCapabilitySummarizer(impl capability.Capability) *CapabilitySummarizer {
	return &CapabilitySummarizer{impl: impl}
}

// Summarize invokes the wrapped capability.
func (cs *CapabilitySummarizer) Summarize(ctx context.Context, turns []domain.Turn, mode domain.ReductionStrategy) (domain.Turn, domain.CostDelta, error) {
	encoded := make([]any, 0, len(turns))
	for _, turn := range turns {
		encoded = append(encoded, map[string]any{
			"role":    turn.Role,
			"content": turn.Content,
		})
	}

	outputs, cost, err := cs.impl.Invoke(ctx, map[string]any{
		"turns": encoded,
		"mode":  string(mode),
	})
	if err != nil {
		return domain.Turn{}, cost, fmt.Errorf("summarizer capability: %w", err)
	}

	content, ok := outputs["summary"].(string)
	if !ok || content == "" {
		return domain.Turn{}, cost, fmt.Errorf("summarizer capability returned no summary output")
	}

	turn := domain.Turn{Role: domain.RoleSummary, Content: content}
	switch tokens := outputs["tokens"].(type) {
	case int:
		turn.TokenEstimate = tokens
	case int64:
		turn.TokenEstimate = int(tokens)
	case float64:
		turn.TokenEstimate = int(tokens)
	}
	return turn, cost, nil
}
