package governance

import (
	"sync"

	"github.com/skeinworks/skein/pkg/domain"
)

// Tracker enforces one Budget over the lifetime of a run or session. Steps
// reserve their declared estimate before executing and commit actual
// consumption afterwards; a reservation for a step that failed without
// consuming is released, which is the only way counters move down.
type Tracker struct {
	mu       sync.Mutex
	budget   domain.Budget
	spent    domain.CostDelta
	reserved domain.CostDelta
}

// NewTracker builds a tracker with nothing spent.
func NewTracker(budget domain.Budget) *Tracker {
	return &Tracker{budget: budget}
}

// Reserve reports whether the estimate fits under every ceiling given
// committed spend plus outstanding reservations, holding the reservation
// when it does.
func (t *Tracker) Reserve(estimate domain.CostDelta) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.budget.Allows(t.spent.Add(t.reserved), estimate) {
		return false
	}
	t.reserved = t.reserved.Add(estimate)
	return true
}

// Commit replaces a reservation with the actual consumption.
func (t *Tracker) Commit(estimate, actual domain.CostDelta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved = t.reserved.Sub(estimate)
	t.spent = t.spent.Add(actual)
}

// Release rolls back the reservation of a step that failed before consuming
// anything.
func (t *Tracker) Release(estimate domain.CostDelta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved = t.reserved.Sub(estimate)
}

// Spent returns committed consumption.
func (t *Tracker) Spent() domain.CostDelta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent
}

// Outstanding returns reservations not yet committed or released.
func (t *Tracker) Outstanding() domain.CostDelta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserved
}

// Budget returns the ceiling the tracker enforces.
func (t *Tracker) Budget() domain.Budget {
	return t.budget
}

// Restore seeds committed spend from a checkpoint. Reservations do not
// survive a crash, so they start empty.
func (t *Tracker) Restore(spent domain.CostDelta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent = spent
	t.reserved = domain.CostDelta{}
}

// TrackerSet hands out per-key trackers sharing one Budget. The engine uses
// it for session-scoped ceilings, keyed by session id.
type TrackerSet struct {
	mu       sync.Mutex
	budget   domain.Budget
	trackers map[string]*Tracker
}

// NewTrackerSet builds an empty set enforcing the given budget per key.
func NewTrackerSet(budget domain.Budget) *TrackerSet {
	return &TrackerSet{budget: budget, trackers: make(map[string]*Tracker)}
}

// For returns the tracker for a key, creating it on first use.
func (s *TrackerSet) For(key string) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracker, ok := s.trackers[key]
	if !ok {
		tracker = NewTracker(s.budget)
		s.trackers[key] = tracker
	}
	return tracker
}
