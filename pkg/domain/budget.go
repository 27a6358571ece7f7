package domain

// Budget holds consumption ceilings for a run or a session. Zero-valued
// fields are unlimited.
type Budget struct {
	MaxCostUSD  float64 `json:"max_cost_usd"`
	MaxTokens   int64   `json:"max_tokens"`
	MaxRequests int64   `json:"max_requests"`
}

// Unlimited reports whether no ceiling is set.
func (b Budget) Unlimited() bool {
	return b.MaxCostUSD == 0 && b.MaxTokens == 0 && b.MaxRequests == 0
}

// Allows reports whether spending estimate on top of spent stays within every
// configured ceiling.
func (b Budget) Allows(spent, estimate CostDelta) bool {
	total := spent.Add(estimate)
	if b.MaxCostUSD > 0 && total.CostUSD > b.MaxCostUSD {
		return false
	}
	if b.MaxTokens > 0 && total.Tokens > b.MaxTokens {
		return false
	}
	if b.MaxRequests > 0 && total.Requests > b.MaxRequests {
		return false
	}
	return true
}
