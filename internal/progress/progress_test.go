package progress

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfp-lmis/stock-crawler/internal/config"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testTracker(t *testing.T, dir string, flushEvery int) *Tracker {
	t.Helper()
	tracker, err := Load(config.ProgressConfig{Dir: dir, FlushEvery: flushEvery}, fixedClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}, nil)
	require.NoError(t, err)
	return tracker
}

func TestTrackerRoundTrip(t *testing.T) {
	dir := t.TempDir()

	tracker := testTracker(t, dir, 1)
	require.NoError(t, tracker.MarkCompleted("2023|06|WH-002|T123|U01|CON001"))
	require.NoError(t, tracker.MarkFailed("2023|06|WH-002|T123|U01|CON002", 5))

	reloaded := testTracker(t, dir, 1)
	assert.True(t, reloaded.IsComplete("2023|06|WH-002|T123|U01|CON001"))
	assert.False(t, reloaded.IsComplete("2023|06|WH-002|T123|U01|CON002"))

	state := reloaded.Snapshot()
	assert.Equal(t, 5, state.Failed["2023|06|WH-002|T123|U01|CON002"])
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), state.CheckpointTime)
}

func TestTrackerCompletedClearsFailure(t *testing.T) {
	tracker := testTracker(t, t.TempDir(), 1)
	require.NoError(t, tracker.MarkFailed("key", 3))
	require.NoError(t, tracker.MarkCompleted("key"))

	state := tracker.Snapshot()
	assert.Contains(t, state.Completed, "key")
	assert.NotContains(t, state.Failed, "key")
}

func TestTrackerFlushEvery(t *testing.T) {
	dir := t.TempDir()
	tracker := testTracker(t, dir, 3)

	require.NoError(t, tracker.MarkCompleted("a"))
	require.NoError(t, tracker.MarkCompleted("b"))
	_, err := os.Stat(tracker.Path())
	assert.True(t, os.IsNotExist(err), "state should not be flushed before the threshold")

	require.NoError(t, tracker.MarkCompleted("c"))
	_, err = os.Stat(tracker.Path())
	assert.NoError(t, err)

	// No temp files left behind by the atomic write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "leftover temp file %s", entry.Name())
	}
}

func TestTrackerReset(t *testing.T) {
	dir := t.TempDir()
	tracker := testTracker(t, dir, 1)
	require.NoError(t, tracker.MarkCompleted("a"))
	require.NoError(t, tracker.Reset())

	assert.False(t, tracker.IsComplete("a"))
	_, err := os.Stat(tracker.Path())
	assert.True(t, os.IsNotExist(err))

	// Resetting twice is fine.
	require.NoError(t, tracker.Reset())
}

func TestTrackerCorruptFile(t *testing.T) {
	dir := t.TempDir()
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	path := filepath.Join(dir, "progress_"+host+".json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err = Load(config.ProgressConfig{Dir: dir, FlushEvery: 1}, fixedClock{}, nil)
	assert.Error(t, err)
}
