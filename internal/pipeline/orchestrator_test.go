package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clapshot/clapshot-server/internal/logging"
	"github.com/clapshot/clapshot-server/internal/model"
	"github.com/clapshot/clapshot-server/internal/workers"
)

func TestSubmitProbeTracksPending(t *testing.T) {
	pool := workers.NewPool(workers.Config{WorkerCount: 1})
	pool.Start()
	t.Cleanup(pool.Shutdown)

	o := &Orchestrator{
		cfg:     OrchestratorConfig{DataDir: t.TempDir(), Logger: logging.NewDefault(), ProbePool: pool},
		pending: make(map[string]Submission),
		encodes: make(map[string]encodeCtx),
	}

	sub := Submission{SrcPath: "/tmp/does-not-exist.mp4", OrigFilename: "does-not-exist.mp4", UserId: "alice"}
	o.submitProbe(sub)

	o.mu.Lock()
	_, tracked := o.pending[sub.SrcPath]
	o.mu.Unlock()
	assert.True(t, tracked)
}

func TestQuarantineAndReportNotifiesError(t *testing.T) {
	var notified []*model.UserMessage
	o := &Orchestrator{
		cfg: OrchestratorConfig{
			DataDir: t.TempDir(),
			Logger:  logging.NewDefault(),
			Notify:  func(m *model.UserMessage) { notified = append(notified, m) },
		},
		pending: make(map[string]Submission),
		encodes: make(map[string]encodeCtx),
	}

	sub := Submission{SrcPath: "/tmp/gone.mp4", UserId: "alice"}
	// no file on disk: Quarantine treats a missing source as already-moved, no error.
	require.NotPanics(t, func() { o.quarantineAndReport(sub, "test failure", nil) })

	require.Len(t, notified, 1)
	assert.Equal(t, model.MsgError, notified[0].Kind)
	assert.Equal(t, "alice", notified[0].UserId)
}

func TestDispatchThumbnailTracksEncodeContext(t *testing.T) {
	pool := workers.NewPool(workers.Config{WorkerCount: 1})
	pool.Start()
	t.Cleanup(pool.Shutdown)

	o := &Orchestrator{
		cfg:     OrchestratorConfig{DataDir: t.TempDir(), ThumbCols: 2, ThumbRows: 2, Logger: logging.NewDefault(), EncodePool: pool},
		pending: make(map[string]Submission),
		encodes: make(map[string]encodeCtx),
	}

	meta := &Metadata{Kind: KindImage, TotalFrames: 1}
	o.dispatchThumbnail(t.TempDir(), "/tmp/src.jpg", "fp1234", "alice", meta)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Len(t, o.encodes, 1)
}
