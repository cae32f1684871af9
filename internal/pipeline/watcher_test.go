package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clapshot/clapshot-server/internal/logging"
)

func newTestWatcher(t *testing.T, out chan IncomingFile) (*Watcher, string) {
	t.Helper()
	dataDir := t.TempDir()
	incoming := filepath.Join(dataDir, "incoming")
	require.NoError(t, os.MkdirAll(incoming, 0o755))
	w := NewWatcher(incoming, time.Hour, out, logging.NewDefault())
	return w, incoming
}

func TestWatcherSkipsEmptyAndMarkerSizes(t *testing.T) {
	out := make(chan IncomingFile, 4)
	w, incoming := newTestWatcher(t, out)

	require.NoError(t, os.WriteFile(filepath.Join(incoming, "zero.bin"), []byte{}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "one.bin"), []byte{1}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "marker.bin"), make([]byte, emptyBlockSize), 0o644))

	assert.True(t, w.pollOnce())
	assert.True(t, w.pollOnce()) // a second identical-size tick still should not submit these sentinels
	assert.Len(t, out, 0)
}

func TestWatcherSubmitsOnQuiescence(t *testing.T) {
	out := make(chan IncomingFile, 4)
	w, incoming := newTestWatcher(t, out)

	path := filepath.Join(incoming, "video.mp4")
	require.NoError(t, os.WriteFile(path, make([]byte, 1000), 0o644))

	assert.True(t, w.pollOnce()) // first tick: records size, does not submit yet
	assert.Len(t, out, 0)

	assert.True(t, w.pollOnce()) // second tick, size unchanged: submits
	require.Len(t, out, 1)
	got := <-out
	assert.Equal(t, path, got.Path)
	assert.NotEmpty(t, got.UserId)
}

func TestWatcherDoesNotResubmitWithinDelayWindow(t *testing.T) {
	out := make(chan IncomingFile, 4)
	w, incoming := newTestWatcher(t, out)
	w.ResubmitDelay = time.Hour

	path := filepath.Join(incoming, "video.mp4")
	require.NoError(t, os.WriteFile(path, make([]byte, 1000), 0o644))

	w.pollOnce()
	w.pollOnce()
	require.Len(t, out, 1)
	<-out

	w.pollOnce() // still within the resubmit-suppression window
	assert.Len(t, out, 0)
}

func TestWatcherDirReadErrorStopsLoop(t *testing.T) {
	out := make(chan IncomingFile, 1)
	w, incoming := newTestWatcher(t, out)
	require.NoError(t, os.RemoveAll(incoming))

	assert.False(t, w.pollOnce())
}
