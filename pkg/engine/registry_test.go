package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/skeinworks/skein/pkg/config"
	"github.com/skeinworks/skein/pkg/domain"
)

func snapshotOf(generation int, ids ...string) config.Snapshot {
	snap := config.Snapshot{Generation: generation}
	for _, id := range ids {
		snap.Pipelines = append(snap.Pipelines, domain.PipelineSpec{
			ID:      id,
			Version: generation,
			Kind:    domain.GraphDAG,
			Steps:   []domain.StepSpec{{ID: "only", Capability: "test.echo"}},
		})
	}
	return snap
}

func TestRegistry_UpdateReplacesSet(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Update(snapshotOf(1, "alerts", "reports")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := r.List(); len(got) != 2 || got[0] != "alerts" || got[1] != "reports" {
		t.Fatalf("expected sorted ids [alerts reports], got %v", got)
	}
	if r.Generation() != 1 {
		t.Fatalf("expected generation 1, got %d", r.Generation())
	}

	if err := r.Update(snapshotOf(2, "reports")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := r.Get("alerts"); !errors.Is(err, domain.ErrPipelineNotFound) {
		t.Fatalf("dropped pipeline must disappear with the new set, got %v", err)
	}
	spec, err := r.Get("reports")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if spec.Version != 2 {
		t.Fatalf("expected the new snapshot's spec, got version %d", spec.Version)
	}
}

func TestRegistry_StaleSnapshotIgnored(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Update(snapshotOf(5, "current")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := r.Update(snapshotOf(3, "stale")); err != nil {
		t.Fatalf("a stale snapshot is dropped silently, got %v", err)
	}
	if _, err := r.Get("current"); err != nil {
		t.Fatalf("current set must survive a stale snapshot, got %v", err)
	}
	if _, err := r.Get("stale"); !errors.Is(err, domain.ErrPipelineNotFound) {
		t.Fatalf("stale snapshot must not register pipelines, got %v", err)
	}
	if r.Generation() != 5 {
		t.Fatalf("expected generation 5, got %d", r.Generation())
	}
}

func TestRegistry_DuplicateIDRejected(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Update(snapshotOf(1, "keepme")); err != nil {
		t.Fatalf("update: %v", err)
	}

	dup := snapshotOf(2, "clash")
	dup.Pipelines = append(dup.Pipelines, dup.Pipelines[0])
	if err := r.Update(dup); !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("expected config invalid for duplicate ids, got %v", err)
	}
	if _, err := r.Get("keepme"); err != nil {
		t.Fatalf("a rejected snapshot must keep the previous set, got %v", err)
	}
	if r.Generation() != 1 {
		t.Fatalf("a rejected snapshot must not advance the generation, got %d", r.Generation())
	}
}

func TestRegistry_FollowAppliesUntilClosed(t *testing.T) {
	r := NewRegistry(testLogger())
	updates := make(chan config.Snapshot, 2)
	updates <- snapshotOf(1, "first")
	updates <- snapshotOf(2, "second")
	close(updates)

	r.Follow(context.Background(), updates)

	if r.Generation() != 2 {
		t.Fatalf("expected generation 2 after follow drained, got %d", r.Generation())
	}
	if _, err := r.Get("second"); err != nil {
		t.Fatalf("expected last snapshot applied, got %v", err)
	}
}

func TestRegistry_FollowStopsOnContext(t *testing.T) {
	r := NewRegistry(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	updates := make(chan config.Snapshot)
	done := make(chan struct{})
	go func() {
		r.Follow(ctx, updates)
		close(done)
	}()
	<-done

	if r.Generation() != 0 {
		t.Fatalf("follow must not apply anything after cancellation, got generation %d", r.Generation())
	}
}
