package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/skeinworks/skein/pkg/config"
	"github.com/skeinworks/skein/pkg/domain"
)

// Registry maintains the active set of pipeline definitions and swaps the
// whole set atomically on reload. Runs keep the spec pointer they were
// submitted with, so an update never changes a run mid-flight: only new
// submissions see the new generation. Specs are treated as immutable once
// loaded.
type Registry struct {
	mu         sync.RWMutex
	pipelines  map[string]*domain.PipelineSpec
	generation int
	logger     *slog.Logger
}

// NewRegistry creates an empty pipeline registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pipelines: make(map[string]*domain.PipelineSpec),
		logger:    logger,
	}
}

// Update replaces the registered pipeline set with the snapshot's contents.
// Snapshots older than the current generation are ignored, so a slow
// subscriber cannot roll the registry backwards.
func (r *Registry) Update(snap config.Snapshot) error {
	next := make(map[string]*domain.PipelineSpec, len(snap.Pipelines))
	for i := range snap.Pipelines {
		p := &snap.Pipelines[i]
		if existing, ok := next[p.ID]; ok {
			return fmt.Errorf("%w: duplicate pipeline id %q (versions %d and %d)",
				domain.ErrConfigInvalid, p.ID, existing.Version, p.Version)
		}
		next[p.ID] = p
	}

	r.mu.Lock()
	if snap.Generation <= r.generation {
		current := r.generation
		r.mu.Unlock()
		r.logger.Debug("skipping stale pipeline snapshot",
			"generation", snap.Generation, "current", current)
		return nil
	}
	r.pipelines = next
	r.generation = snap.Generation
	r.mu.Unlock()

	r.logger.Info("pipeline registry updated",
		"generation", snap.Generation,
		"pipeline_count", len(next))
	return nil
}

// Follow applies snapshots from the channel until it closes or the context
// ends. A rejected snapshot keeps the previous set in place.
func (r *Registry) Follow(ctx context.Context, updates <-chan config.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := r.Update(snap); err != nil {
				r.logger.Warn("pipeline update rejected, keeping previous set",
					"generation", snap.Generation, "error", err)
			}
		}
	}
}

// Get returns the registered pipeline with the given id.
func (r *Registry) Get(id string) (*domain.PipelineSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %s: %w", id, domain.ErrPipelineNotFound)
	}
	return p, nil
}

// List returns the registered pipeline ids in lexical order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.pipelines))
	for id := range r.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Generation reports the snapshot generation currently in effect.
func (r *Registry) Generation() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}
