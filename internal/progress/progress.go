// Package progress persists which work units are already done so an
// interrupted crawl can resume without refetching months of data. State is
// one JSON file per host, written atomically.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgfp-lmis/stock-crawler/internal/config"
)

// Clock supplies checkpoint timestamps.
type Clock interface {
	Now() time.Time
}

// State is the on-disk snapshot. Completed holds unit keys; Failed maps unit
// keys to the number of exhausted attempts.
type State struct {
	Host           string         `json:"host"`
	Completed      []string       `json:"completed"`
	Failed         map[string]int `json:"failed"`
	CheckpointTime time.Time      `json:"checkpoint_time"`
}

// Tracker is the in-memory progress set. Safe for concurrent use, though the
// scheduler funnels all writes through a single consumer goroutine.
type Tracker struct {
	mu         sync.Mutex
	path       string
	host       string
	completed  map[string]struct{}
	failed     map[string]int
	dirty      int
	flushEvery int
	clock      Clock
	logger     *zap.Logger
}

// Load opens (or initializes) the progress file for this host.
func Load(cfg config.ProgressConfig, clock Clock, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}

	t := &Tracker{
		path:       filepath.Join(cfg.Dir, fmt.Sprintf("progress_%s.json", host)),
		host:       host,
		completed:  make(map[string]struct{}),
		failed:     make(map[string]int),
		flushEvery: cfg.FlushEvery,
		clock:      clock,
		logger:     logger,
	}
	if t.flushEvery <= 0 {
		t.flushEvery = 1
	}

	raw, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode progress file %s: %w", t.path, err)
	}
	for _, key := range state.Completed {
		t.completed[key] = struct{}{}
	}
	for key, attempts := range state.Failed {
		t.failed[key] = attempts
	}
	logger.Info("loaded progress",
		zap.String("path", t.path),
		zap.Int("completed", len(t.completed)),
		zap.Int("failed", len(t.failed)),
	)
	return t, nil
}

// Path returns the progress file location.
func (t *Tracker) Path() string { return t.path }

// IsComplete reports whether a unit key has already been fetched and written.
func (t *Tracker) IsComplete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.completed[key]
	return ok
}

// MarkCompleted records a finished unit and clears any earlier failure for
// the same key. The state is flushed every flushEvery marks.
func (t *Tracker) MarkCompleted(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed[key] = struct{}{}
	delete(t.failed, key)
	return t.markDirtyLocked()
}

// MarkFailed records a unit whose retries were exhausted.
func (t *Tracker) MarkFailed(key string, attempts int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[key] = attempts
	return t.markDirtyLocked()
}

func (t *Tracker) markDirtyLocked() error {
	t.dirty++
	if t.dirty >= t.flushEvery {
		return t.flushLocked()
	}
	return nil
}

// Counts returns the number of completed and failed units on record.
func (t *Tracker) Counts() (completed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completed), len(t.failed)
}

// Snapshot materializes the current state with sorted, stable output.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() State {
	completed := make([]string, 0, len(t.completed))
	for key := range t.completed {
		completed = append(completed, key)
	}
	sort.Strings(completed)

	failed := make(map[string]int, len(t.failed))
	for key, attempts := range t.failed {
		failed[key] = attempts
	}

	return State{
		Host:           t.host,
		Completed:      completed,
		Failed:         failed,
		CheckpointTime: t.clock.Now(),
	}
}

// Flush writes the current state to disk regardless of the dirty counter.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

func (t *Tracker) flushLocked() error {
	state := t.snapshotLocked()
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := writeAtomic(t.path, raw); err != nil {
		return fmt.Errorf("write progress file: %w", err)
	}
	t.dirty = 0
	return nil
}

// Reset discards all recorded progress for this host, on disk and in memory.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = make(map[string]struct{})
	t.failed = make(map[string]int)
	t.dirty = 0
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove progress file: %w", err)
	}
	t.logger.Info("progress reset", zap.String("path", t.path))
	return nil
}

// writeAtomic lands the payload via a temp file and rename so a crash never
// leaves a half-written progress file behind.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".progress-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
