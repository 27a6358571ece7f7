package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/skeinworks/skein/pkg/domain"
)

// Snapshot is one loaded generation of a pipeline document.
type Snapshot struct {
	Generation int
	LoadedAt   time.Time
	Pipelines  []domain.PipelineSpec
}

// FileProvider watches a pipeline document and reloads it on change. A reload
// that fails validation keeps the last good snapshot in place.
type FileProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers []chan Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewFileProvider creates a provider watching the given pipeline file.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &FileProvider{
		path:    absPath,
		logger:  logger,
		watcher: watcher,
		cancel:  cancel,
	}

	// A missing or broken file at startup is not fatal: the provider starts
	// with an empty snapshot and picks the file up once it becomes valid.
	if err := p.load(); err != nil {
		logger.Warn("initial pipeline load failed", "path", absPath, "error", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the last good snapshot.
func (p *FileProvider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives pipeline updates. The current
// snapshot is delivered immediately.
func (p *FileProvider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *FileProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			// The watch covers the whole directory; skip events for
			// neighboring files. Editors that replace the file show up as
			// Create or Chmod rather than Write.
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := p.load(); err != nil {
						p.logger.Warn("pipeline reload failed, keeping last good snapshot",
							"path", p.path, "error", err)
						return
					}
					p.logger.Info("pipelines reloaded", "path", p.path)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("pipeline watch error", "error", err)
		}
	}
}

func (p *FileProvider) load() error {
	specs, err := LoadFile(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.snapshot = Snapshot{
		Generation: p.snapshot.Generation + 1,
		LoadedAt:   time.Now(),
		Pipelines:  specs,
	}
	snapshot := p.snapshot
	subscribers := make([]chan Snapshot, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- snapshot:
		default:
			// Skip if channel is full (slow consumer)
		}
	}
	return nil
}
