// Package session manages the conversational windows pipeline steps share:
// ordered turns kept under a token ceiling, reduced in place whenever an
// append would overflow it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/skeinworks/skein/pkg/domain"
)

const tokenChars = 4

// EstimateTokens approximates the token footprint of content at four
// characters per token, rounded up.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + tokenChars - 1) / tokenChars
}

// Metrics receives session bookkeeping events. The telemetry package
// provides the production implementation.
type Metrics interface {
	RecordSessionCreated(sessionID string)
	RecordSessionReduction(sessionID, strategy string, droppedTurns int)
}

// State is the serializable form of one session, carried inside checkpoints.
type State struct {
	Policy domain.SessionPolicy `json:"policy"`
	Turns  []domain.Turn        `json:"turns"`
}

type session struct {
	mu     sync.Mutex
	policy domain.SessionPolicy
	turns  []domain.Turn
}

// Store keeps every session for an engine instance. Sessions are created on
// first reference and never expire on their own; across restarts they travel
// inside run checkpoints.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	policy     domain.SessionPolicy
	summarizer Summarizer
	logger     *slog.Logger
	metrics    Metrics
}

// NewStore creates a store whose sessions default to the given policy.
func NewStore(policy domain.SessionPolicy, logger *slog.Logger) *Store {
	if policy.Strategy == "" {
		policy.Strategy = domain.ReduceTruncateOldest
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*session),
		policy:   policy,
		logger:   logger,
	}
}

// SetMetrics wires session bookkeeping into the metrics layer.
func (s *Store) SetMetrics(metrics Metrics) {
	s.metrics = metrics
}

// SetSummarizer installs the summarizer backing the summarize and compress
// reduction strategies. Without one, both fall back to truncation.
func (s *Store) SetSummarizer(summarizer Summarizer) {
	s.summarizer = summarizer
}

// Create registers a session with an explicit policy, replacing the default
// a first reference would apply. Turns of an existing session are kept.
func (s *Store) Create(sessionID string, policy domain.SessionPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.mu.Lock()
		sess.policy = policy
		sess.mu.Unlock()
		return
	}
	s.sessions[sessionID] = &session{policy: policy}
	s.logger.Info("session created", "session_id", sessionID)
	if s.metrics != nil {
		s.metrics.RecordSessionCreated(sessionID)
	}
}

// Append adds a turn to the session window and synchronously reduces the
// window when its summed token estimate exceeds the session's ceiling. A
// missing token estimate is filled from the content length; a missing
// timestamp is filled with the current time.
func (s *Store) Append(ctx context.Context, sessionID string, turn domain.Turn) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if turn.TokenEstimate <= 0 {
		turn.TokenEstimate = EstimateTokens(turn.Content)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	sess := s.ensure(sessionID)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.turns = append(sess.turns, turn)
	s.reduceLocked(ctx, sessionID, sess)
	return nil
}

// Window returns a copy of the session's turns in order. Referencing an
// unknown session creates it empty.
func (s *Store) Window(sessionID string) []domain.Turn {
	sess := s.ensure(sessionID)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return cloneTurns(sess.turns)
}

// WindowTokens returns the summed token estimate of the current window.
func (s *Store) WindowTokens(sessionID string) int {
	sess := s.ensure(sessionID)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return windowTokens(sess.turns)
}

// Count returns the number of sessions in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Export returns the serializable state of every session, keyed by id.
func (s *Store) Export() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[string]State, len(s.sessions))
	for id, sess := range s.sessions {
		sess.mu.Lock()
		states[id] = State{Policy: sess.policy, Turns: cloneTurns(sess.turns)}
		sess.mu.Unlock()
	}
	return states
}

// Restore replaces or creates sessions from checkpointed state.
func (s *Store) Restore(states map[string]State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, state := range states {
		s.sessions[id] = &session{
			policy: state.Policy,
			turns:  cloneTurns(state.Turns),
		}
	}
}

func (s *Store) ensure(sessionID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}
	sess = &session{policy: s.policy}
	s.sessions[sessionID] = sess
	s.logger.Info("session created", "session_id", sessionID)
	if s.metrics != nil {
		s.metrics.RecordSessionCreated(sessionID)
	}
	return sess
}

// reduceLocked brings the window back under the session ceiling. Summarize
// and compress fold the overflow prefix through the summarizer first;
// truncation backstops them so the ceiling holds even when the summarizer is
// missing, fails, or produces an oversized summary.
func (s *Store) reduceLocked(ctx context.Context, sessionID string, sess *session) {
	max := sess.policy.MaxTokens
	if max <= 0 || windowTokens(sess.turns) <= max {
		return
	}

	strategy := sess.policy.Strategy
	if strategy == "" {
		strategy = domain.ReduceTruncateOldest
	}
	before := len(sess.turns)
	var cost domain.CostDelta

	if strategy == domain.ReduceSummarize || strategy == domain.ReduceCompress {
		summaryCost, err := s.summarizeLocked(ctx, sess, strategy)
		if err != nil {
			s.logger.Warn("session summarization failed, truncating instead",
				"session_id", sessionID,
				"strategy", string(strategy),
				"error", err,
			)
		}
		cost = summaryCost
	}

	cut := 0
	total := windowTokens(sess.turns)
	for total > max && cut < len(sess.turns)-1 {
		total -= sess.turns[cut].TokenEstimate
		cut++
	}
	if cut > 0 {
		remaining := make([]domain.Turn, len(sess.turns)-cut)
		copy(remaining, sess.turns[cut:])
		sess.turns = remaining
	}
	if len(sess.turns) == 1 && sess.turns[0].TokenEstimate > max {
		clampTurn(&sess.turns[0], max)
	}

	dropped := before - len(sess.turns)
	s.logger.Info("session window reduced",
		"session_id", sessionID,
		"strategy", string(strategy),
		"dropped_turns", dropped,
		"window_tokens", windowTokens(sess.turns),
		"summary_cost_usd", cost.CostUSD,
		"summary_tokens", cost.Tokens,
	)
	if s.metrics != nil {
		s.metrics.RecordSessionReduction(sessionID, string(strategy), dropped)
	}
}

// summarizeLocked replaces the window prefix beyond the KeepRecent newest
// turns with one synthetic summary turn.
func (s *Store) summarizeLocked(ctx context.Context, sess *session, mode domain.ReductionStrategy) (domain.CostDelta, error) {
	if s.summarizer == nil {
		return domain.CostDelta{}, fmt.Errorf("no summarizer configured")
	}

	keep := sess.policy.KeepRecent
	if keep < 1 {
		keep = 1
	}
	if len(sess.turns) <= keep {
		return domain.CostDelta{}, nil
	}

	prefix := sess.turns[:len(sess.turns)-keep]
	summary, cost, err := s.summarizer.Summarize(ctx, cloneTurns(prefix), mode)
	if err != nil {
		return cost, err
	}

	summary.Role = domain.RoleSummary
	if summary.TokenEstimate <= 0 {
		summary.TokenEstimate = EstimateTokens(summary.Content)
	}
	if summary.Timestamp.IsZero() {
		summary.Timestamp = prefix[len(prefix)-1].Timestamp
	}

	reduced := make([]domain.Turn, 0, keep+1)
	reduced = append(reduced, summary)
	reduced = append(reduced, sess.turns[len(sess.turns)-keep:]...)
	sess.turns = reduced
	return cost, nil
}

// clampTurn shortens a single turn that exceeds the window ceiling on its
// own, cutting at a rune boundary.
func clampTurn(turn *domain.Turn, maxTokens int) {
	chars := maxTokens * tokenChars
	if len(turn.Content) > chars {
		for chars > 0 && !utf8.RuneStart(turn.Content[chars]) {
			chars--
		}
		turn.Content = turn.Content[:chars]
	}
	turn.TokenEstimate = EstimateTokens(turn.Content)
	if turn.TokenEstimate > maxTokens {
		turn.TokenEstimate = maxTokens
	}
}

func windowTokens(turns []domain.Turn) int {
	total := 0
	for _, turn := range turns {
		total += turn.TokenEstimate
	}
	return total
}

func cloneTurns(turns []domain.Turn) []domain.Turn {
	if len(turns) == 0 {
		return nil
	}
	cloned := make([]domain.Turn, len(turns))
	copy(cloned, turns)
	return cloned
}
