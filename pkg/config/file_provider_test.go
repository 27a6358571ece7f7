package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const providerDocOne = `
pipelines:
  - id: ingest
    steps:
      - id: fetch
        capability: util.echo
`

const providerDocTwo = `
pipelines:
  - id: ingest
    steps:
      - id: fetch
        capability: util.echo
      - id: store
        capability: util.echo
    edges:
      - from: fetch
        to: store
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForGeneration(t *testing.T, p *FileProvider, want int) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := p.Current()
		if snap.Generation >= want {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for generation %d, at %d", want, p.Current().Generation)
	return Snapshot{}
}

func TestFileProviderInitialLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pipelines.yaml")
	if err := os.WriteFile(path, []byte(providerDocOne), 0644); err != nil {
		t.Fatalf("Failed to write pipeline file: %v", err)
	}

	p, err := NewFileProvider(path, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	defer p.Close()

	snap := p.Current()
	if snap.Generation != 1 {
		t.Errorf("Expected generation 1, got %d", snap.Generation)
	}
	if len(snap.Pipelines) != 1 || snap.Pipelines[0].ID != "ingest" {
		t.Errorf("Unexpected pipelines: %+v", snap.Pipelines)
	}
}

func TestFileProviderReload(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pipelines.yaml")
	if err := os.WriteFile(path, []byte(providerDocOne), 0644); err != nil {
		t.Fatalf("Failed to write pipeline file: %v", err)
	}

	p, err := NewFileProvider(path, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	defer p.Close()

	updates := p.Subscribe()
	select {
	case snap := <-updates:
		if snap.Generation != 1 {
			t.Errorf("Expected immediate snapshot at generation 1, got %d", snap.Generation)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected current snapshot to be delivered immediately")
	}

	if err := os.WriteFile(path, []byte(providerDocTwo), 0644); err != nil {
		t.Fatalf("Failed to rewrite pipeline file: %v", err)
	}

	snap := waitForGeneration(t, p, 2)
	if len(snap.Pipelines[0].Steps) != 2 {
		t.Errorf("Expected reloaded pipeline with 2 steps, got %d", len(snap.Pipelines[0].Steps))
	}

	select {
	case snap := <-updates:
		if snap.Generation < 2 {
			t.Errorf("Expected subscriber to see generation >= 2, got %d", snap.Generation)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected subscriber notification after reload")
	}
}

func TestFileProviderKeepsLastGoodSnapshot(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pipelines.yaml")
	if err := os.WriteFile(path, []byte(providerDocOne), 0644); err != nil {
		t.Fatalf("Failed to write pipeline file: %v", err)
	}

	p, err := NewFileProvider(path, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	defer p.Close()

	if err := os.WriteFile(path, []byte("pipelines:\n  - id: broken\n    steps: []\n"), 0644); err != nil {
		t.Fatalf("Failed to break pipeline file: %v", err)
	}

	// The broken reload must not disturb the last good snapshot.
	time.Sleep(400 * time.Millisecond)
	snap := p.Current()
	if snap.Generation != 1 {
		t.Errorf("Expected to stay at generation 1, got %d", snap.Generation)
	}
	if len(snap.Pipelines) != 1 || snap.Pipelines[0].ID != "ingest" {
		t.Errorf("Expected last good pipelines to survive, got %+v", snap.Pipelines)
	}

	if err := os.WriteFile(path, []byte(providerDocTwo), 0644); err != nil {
		t.Fatalf("Failed to repair pipeline file: %v", err)
	}
	waitForGeneration(t, p, 2)
}

func TestFileProviderMissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pipelines.yaml")

	p, err := NewFileProvider(path, quietLogger())
	if err != nil {
		t.Fatalf("Expected provider to start without the file: %v", err)
	}
	defer p.Close()

	if snap := p.Current(); snap.Generation != 0 || len(snap.Pipelines) != 0 {
		t.Errorf("Expected empty initial snapshot, got %+v", snap)
	}

	if err := os.WriteFile(path, []byte(providerDocOne), 0644); err != nil {
		t.Fatalf("Failed to write pipeline file: %v", err)
	}
	snap := waitForGeneration(t, p, 1)
	if len(snap.Pipelines) != 1 {
		t.Errorf("Expected pipeline to appear once the file exists, got %+v", snap.Pipelines)
	}
}
