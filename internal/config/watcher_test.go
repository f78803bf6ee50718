package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/segstream/internal/config"
)

const (
	watcherValidYAML   = "server:\n  log_level: info\nsegmentation:\n  max_seg_size: 70\n"
	watcherUpdatedYAML = "server:\n  log_level: debug\nsegmentation:\n  max_seg_size: 40\n"
	watcherInvalidYAML = "server:\n  log_level: bananas\n"
)

type changeLog struct {
	mu    sync.Mutex
	calls [][2]*config.Config
}

func (c *changeLog) record(old, new *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, [2]*config.Config{old, new})
}

func (c *changeLog) snapshot() [][2]*config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

func newWatchedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segstream.yaml")
	writeFile(t, path, content)
	return path
}

// rewrite writes content and moves the mtime forward so coarse filesystem
// clocks still register the change.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	writeFile(t, path, content)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within 3s")
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, err := config.NewWatcher(newWatchedFile(t, watcherValidYAML), nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(newWatchedFile(t, watcherInvalidYAML), nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)
	var log changeLog
	w, err := config.NewWatcher(path, log.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	rewrite(t, path, watcherUpdatedYAML)
	waitFor(t, func() bool { return len(log.snapshot()) == 1 })

	call := log.snapshot()[0]
	if call[0].Segmentation.MaxSegSize != 70 || call[1].Segmentation.MaxSegSize != 40 {
		t.Errorf("onChange(old.max=%d, new.max=%d), want (70, 40)",
			call[0].Segmentation.MaxSegSize, call[1].Segmentation.MaxSegSize)
	}
	if w.Current() != call[1] {
		t.Error("Current() does not return the reloaded config")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)
	var log changeLog
	w, err := config.NewWatcher(path, log.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()
	before := w.Current()

	rewrite(t, path, watcherInvalidYAML)
	time.Sleep(200 * time.Millisecond)

	if n := len(log.snapshot()); n != 0 {
		t.Errorf("onChange called %d times for an invalid file", n)
	}
	if w.Current() != before {
		t.Error("Current() changed after an invalid reload")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)
	var log changeLog
	w, err := config.NewWatcher(path, log.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if n := len(log.snapshot()); n != 0 {
		t.Errorf("onChange called %d times for a touch-only change", n)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, err := config.NewWatcher(newWatchedFile(t, watcherValidYAML), nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}
