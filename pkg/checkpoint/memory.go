package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process engines.
// Snapshots are held encoded, so corruption detection and isolation behave
// the same as with the durable backends.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string][]byte),
	}
}

// Save encodes and stores the snapshot, replacing any previous one for the
// same run.
func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	if snap == nil || snap.RunID == "" {
		return fmt.Errorf("snapshot requires a run id")
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.RunID] = data
	return nil
}

// Load decodes the stored snapshot for the run.
func (s *MemoryStore) Load(_ context.Context, runID string) (*Snapshot, bool, error) {
	s.mu.RLock()
	data, ok := s.snaps[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	snap, err := Decode(data)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Delete removes the snapshot for the run, if any.
func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, runID)
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
