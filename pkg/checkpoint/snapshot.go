// Package checkpoint persists run snapshots so interrupted runs can resume
// without re-executing completed steps. Snapshots travel in a checksummed
// envelope; any corruption surfaces as domain.ErrCheckpointCorrupt rather
// than as a silently wrong resume.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skeinworks/skein/pkg/domain"
	"github.com/skeinworks/skein/pkg/session"
)

const codecVersion = 1

// Snapshot is the resumable state of one run: everything the scheduler
// needs to reproduce its future decisions, and nothing tied to live
// handles.
type Snapshot struct {
	RunID      string         `json:"run_id"`
	PipelineID string         `json:"pipeline_id"`
	CreatedAt  time.Time      `json:"created_at"`
	Inputs     map[string]any `json:"inputs,omitempty"`

	// Completed lists the step ids resume must not re-execute. Failed
	// steps stay off this list so a resumed run retries them.
	Completed []string                     `json:"completed"`
	Results   map[string]domain.StepResult `json:"results"`

	Spent domain.CostDelta `json:"spent"`

	// Iterations carries the per-cycle iteration counters.
	Iterations map[string]int `json:"iterations,omitempty"`

	Sessions map[string]session.State `json:"sessions,omitempty"`
}

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// Encode wraps the snapshot in a checksummed envelope.
func Encode(snap *Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return json.Marshal(envelope{
		Version:  codecVersion,
		Checksum: checksum(payload),
		Snapshot: payload,
	})
}

// Decode verifies the envelope and returns the snapshot it carries.
func Decode(data []byte) (*Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", domain.ErrCheckpointCorrupt, err)
	}
	if env.Version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", domain.ErrCheckpointCorrupt, env.Version)
	}
	if checksum(env.Snapshot) != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", domain.ErrCheckpointCorrupt)
	}
	var snap Snapshot
	if err := json.Unmarshal(env.Snapshot, &snap); err != nil {
		return nil, fmt.Errorf("%w: malformed snapshot: %v", domain.ErrCheckpointCorrupt, err)
	}
	return &snap, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Store persists run snapshots.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns the snapshot for a run, or found=false when none exists.
	Load(ctx context.Context, runID string) (*Snapshot, bool, error)
	Delete(ctx context.Context, runID string) error
	Close() error
}
