package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/skeinworks/skein/pkg/capability"
	"github.com/skeinworks/skein/pkg/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSummarizer struct {
	turn     domain.Turn
	cost     domain.CostDelta
	err      error
	calls    int
	lastMode domain.ReductionStrategy
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ []domain.Turn, mode domain.ReductionStrategy) (domain.Turn, domain.CostDelta, error) {
	f.calls++
	f.lastMode = mode
	if f.err != nil {
		return domain.Turn{}, domain.CostDelta{}, f.err
	}
	return f.turn, f.cost, nil
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 100), 25},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.content); got != tc.want {
			t.Fatalf("EstimateTokens(%q) = %d, want %d", tc.content, got, tc.want)
		}
	}
}

func TestStore_AppendBelowCeiling(t *testing.T) {
	store := NewStore(domain.SessionPolicy{MaxTokens: 10}, testLogger())

	require.NoError(t, store.Append(context.Background(), "chat", domain.Turn{Role: domain.RoleUser, Content: "hi", TokenEstimate: 4}))
	require.NoError(t, store.Append(context.Background(), "chat", domain.Turn{Role: domain.RoleAssistant, Content: "hello", TokenEstimate: 4}))

	window := store.Window("chat")
	assert.Len(t, window, 2)
	assert.Equal(t, 8, store.WindowTokens("chat"))
}

func TestStore_TruncateOldest(t *testing.T) {
	store := NewStore(domain.SessionPolicy{MaxTokens: 10, Strategy: domain.ReduceTruncateOldest}, testLogger())

	for i := 0; i < 3; i++ {
		turn := domain.Turn{Role: domain.RoleUser, Content: fmt.Sprintf("turn-%d", i), TokenEstimate: 4}
		require.NoError(t, store.Append(context.Background(), "chat", turn))
	}

	window := store.Window("chat")
	require.Len(t, window, 2)
	assert.Equal(t, "turn-1", window[0].Content)
	assert.Equal(t, "turn-2", window[1].Content)
	assert.Equal(t, 8, store.WindowTokens("chat"))
}

func TestStore_SummarizeReplacesPrefix(t *testing.T) {
	summarizer := &fakeSummarizer{
		turn: domain.Turn{Content: "done", TokenEstimate: 2},
		cost: domain.CostDelta{Tokens: 20, CostUSD: 0.0001},
	}
	store := NewStore(domain.SessionPolicy{MaxTokens: 10, Strategy: domain.ReduceSummarize, KeepRecent: 1}, testLogger())
	store.SetSummarizer(summarizer)

	for i := 0; i < 3; i++ {
		turn := domain.Turn{Role: domain.RoleUser, Content: fmt.Sprintf("turn-%d", i), TokenEstimate: 4}
		require.NoError(t, store.Append(context.Background(), "chat", turn))
	}

	window := store.Window("chat")
	require.Len(t, window, 2)
	assert.Equal(t, domain.RoleSummary, window[0].Role)
	assert.Equal(t, "done", window[0].Content)
	assert.Equal(t, "turn-2", window[1].Content)
	assert.Equal(t, 6, store.WindowTokens("chat"))
	assert.Equal(t, 1, summarizer.calls)
	assert.Equal(t, domain.ReduceSummarize, summarizer.lastMode)
}

func TestStore_CompressPassesMode(t *testing.T) {
	summarizer := &fakeSummarizer{turn: domain.Turn{Content: "squeezed", TokenEstimate: 1}}
	store := NewStore(domain.SessionPolicy{MaxTokens: 10, Strategy: domain.ReduceCompress, KeepRecent: 1}, testLogger())
	store.SetSummarizer(summarizer)

	for i := 0; i < 3; i++ {
		turn := domain.Turn{Role: domain.RoleUser, Content: "text", TokenEstimate: 4}
		require.NoError(t, store.Append(context.Background(), "chat", turn))
	}

	assert.Equal(t, domain.ReduceCompress, summarizer.lastMode)
}

func TestStore_SummarizerFailureFallsBackToTruncation(t *testing.T) {
	summarizer := &fakeSummarizer{err: fmt.Errorf("model unavailable")}
	store := NewStore(domain.SessionPolicy{MaxTokens: 10, Strategy: domain.ReduceSummarize, KeepRecent: 1}, testLogger())
	store.SetSummarizer(summarizer)

	for i := 0; i < 3; i++ {
		turn := domain.Turn{Role: domain.RoleUser, Content: fmt.Sprintf("turn-%d", i), TokenEstimate: 4}
		require.NoError(t, store.Append(context.Background(), "chat", turn))
	}

	window := store.Window("chat")
	require.Len(t, window, 2)
	assert.Equal(t, "turn-1", window[0].Content)
	assert.LessOrEqual(t, store.WindowTokens("chat"), 10)
}

func TestStore_MissingSummarizerFallsBackToTruncation(t *testing.T) {
	store := NewStore(domain.SessionPolicy{MaxTokens: 10, Strategy: domain.ReduceSummarize}, testLogger())

	for i := 0; i < 4; i++ {
		turn := domain.Turn{Role: domain.RoleUser, Content: "text", TokenEstimate: 4}
		require.NoError(t, store.Append(context.Background(), "chat", turn))
	}

	assert.LessOrEqual(t, store.WindowTokens("chat"), 10)
}

func TestStore_OversizedTurnClamped(t *testing.T) {
	store := NewStore(domain.SessionPolicy{MaxTokens: 5}, testLogger())

	turn := domain.Turn{Role: domain.RoleUser, Content: strings.Repeat("a", 100)}
	require.NoError(t, store.Append(context.Background(), "chat", turn))

	window := store.Window("chat")
	require.Len(t, window, 1)
	assert.Equal(t, 20, len(window[0].Content))
	assert.Equal(t, 5, window[0].TokenEstimate)
	assert.Equal(t, 5, store.WindowTokens("chat"))
}

func TestStore_UnboundedPolicySkipsReduction(t *testing.T) {
	store := NewStore(domain.SessionPolicy{}, testLogger())

	for i := 0; i < 50; i++ {
		turn := domain.Turn{Role: domain.RoleUser, Content: strings.Repeat("b", 400)}
		require.NoError(t, store.Append(context.Background(), "chat", turn))
	}

	assert.Len(t, store.Window("chat"), 50)
}

func TestStore_WindowIsCopy(t *testing.T) {
	store := NewStore(domain.SessionPolicy{MaxTokens: 100}, testLogger())
	require.NoError(t, store.Append(context.Background(), "chat", domain.Turn{Role: domain.RoleUser, Content: "original"}))

	window := store.Window("chat")
	window[0].Content = "mutated"

	assert.Equal(t, "original", store.Window("chat")[0].Content)
}

func TestStore_CreatedOnFirstReference(t *testing.T) {
	store := NewStore(domain.SessionPolicy{MaxTokens: 100}, testLogger())

	assert.Empty(t, store.Window("fresh"))
	assert.Equal(t, 1, store.Count())
}

func TestStore_CreateOverridesPolicy(t *testing.T) {
	store := NewStore(domain.SessionPolicy{MaxTokens: 100}, testLogger())
	store.Create("chat", domain.SessionPolicy{MaxTokens: 8, Strategy: domain.ReduceTruncateOldest})

	for i := 0; i < 3; i++ {
		turn := domain.Turn{Role: domain.RoleUser, Content: "text", TokenEstimate: 4}
		require.NoError(t, store.Append(context.Background(), "chat", turn))
	}

	assert.LessOrEqual(t, store.WindowTokens("chat"), 8)
}

func TestStore_ExportRestoreRoundTrip(t *testing.T) {
	store := NewStore(domain.SessionPolicy{MaxTokens: 100}, testLogger())
	require.NoError(t, store.Append(context.Background(), "alpha", domain.Turn{Role: domain.RoleUser, Content: "one", TokenEstimate: 1}))
	require.NoError(t, store.Append(context.Background(), "alpha", domain.Turn{Role: domain.RoleAssistant, Content: "two", TokenEstimate: 1}))
	require.NoError(t, store.Append(context.Background(), "beta", domain.Turn{Role: domain.RoleUser, Content: "three", TokenEstimate: 2}))

	states := store.Export()
	require.Len(t, states, 2)

	restored := NewStore(domain.SessionPolicy{MaxTokens: 100}, testLogger())
	restored.Restore(states)

	assert.Equal(t, store.Window("alpha"), restored.Window("alpha"))
	assert.Equal(t, store.Window("beta"), restored.Window("beta"))
	assert.Equal(t, 2, restored.Count())
}

func TestCapabilitySummarizer(t *testing.T) {
	var gotMode string
	var gotTurns int
	fn := capability.Func(func(_ context.Context, params map[string]any) (map[string]any, domain.CostDelta, error) {
		gotMode, _ = params["mode"].(string)
		turns, _ := params["turns"].([]any)
		gotTurns = len(turns)
		return map[string]any{"summary": "folded", "tokens": 3}, domain.CostDelta{Tokens: 12, CostUSD: 0.001}, nil
	})

	cs := NewCapabilitySummarizer(fn)
	turn, cost, err := cs.Summarize(context.Background(), []domain.Turn{
		{Role: domain.RoleUser, Content: "question"},
		{Role: domain.RoleAssistant, Content: "answer"},
	}, domain.ReduceCompress)

	require.NoError(t, err)
	assert.Equal(t, "compress", gotMode)
	assert.Equal(t, 2, gotTurns)
	assert.Equal(t, domain.RoleSummary, turn.Role)
	assert.Equal(t, "folded", turn.Content)
	assert.Equal(t, 3, turn.TokenEstimate)
	assert.Equal(t, int64(12), cost.Tokens)
}

func TestCapabilitySummarizer_MissingSummary(t *testing.T) {
	fn := capability.Func(func(_ context.Context, _ map[string]any) (map[string]any, domain.CostDelta, error) {
		return map[string]any{}, domain.CostDelta{}, nil
	})

	_, _, err := NewCapabilitySummarizer(fn).Summarize(context.Background(), []domain.Turn{{Role: domain.RoleUser, Content: "q"}}, domain.ReduceSummarize)
	require.Error(t, err)
}

func TestStore_WindowInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxTokens := rapid.IntRange(8, 64).Draw(t, "max_tokens")
		strategy := rapid.SampledFrom([]domain.ReductionStrategy{
			domain.ReduceTruncateOldest,
			domain.ReduceSummarize,
			domain.ReduceCompress,
		}).Draw(t, "strategy")
		keepRecent := rapid.IntRange(0, 3).Draw(t, "keep_recent")
		failSummaries := rapid.Bool().Draw(t, "fail_summaries")

		summarizer := &fakeSummarizer{turn: domain.Turn{Content: "condensed history"}}
		if failSummaries {
			summarizer.err = fmt.Errorf("summarizer down")
		}

		store := NewStore(domain.SessionPolicy{
			MaxTokens:  maxTokens,
			Strategy:   strategy,
			KeepRecent: keepRecent,
		}, testLogger())
		store.SetSummarizer(summarizer)

		appends := rapid.IntRange(1, 40).Draw(t, "appends")
		for i := 0; i < appends; i++ {
			content := rapid.StringMatching(`[a-z ]{0,200}`).Draw(t, "content")
			err := store.Append(context.Background(), "chat", domain.Turn{Role: domain.RoleUser, Content: content})
			if err != nil {
				t.Fatalf("append failed: %v", err)
			}

			if got := store.WindowTokens("chat"); got > maxTokens {
				t.Fatalf("window tokens %d exceed ceiling %d after append %d", got, maxTokens, i)
			}
			if len(store.Window("chat")) == 0 {
				t.Fatalf("window empty after append %d", i)
			}
		}
	})
}
