package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/logging"
	"github.com/clapshot/clapshot-server/internal/model"
	"github.com/clapshot/clapshot-server/internal/store"
	"github.com/clapshot/clapshot-server/internal/workers"
)

// Submission is one file entering the pipeline, from either the upload
// intake or the incoming-folder watcher (spec §4.F, §5's "uploads-in,
// watcher-out" channels).
type Submission struct {
	SrcPath      string
	OrigFilename string
	UserId       string
	UserName     string
}

// OrchestratorConfig wires the pieces the ingestion orchestrator drives.
type OrchestratorConfig struct {
	DataDir              string
	ConfiguredMaxBitrate uint64
	ThumbCols, ThumbRows int
	TileW, TileH         int
	ProbePool            *workers.Pool
	EncodePool           *workers.Pool
	Store                *store.Store
	Notify               func(*model.UserMessage)
	Logger               *logging.Logger
}

// Orchestrator implements spec §4.F: a single task consuming a select-loop
// across uploads-in, watcher-out, probe-out and encoder-out, serialising
// every ingestion-state mutation (spec §5).
type Orchestrator struct {
	cfg OrchestratorConfig

	mu      sync.Mutex
	pending map[string]Submission // keyed by probe src path
	encodes map[string]encodeCtx  // keyed by transcode dst path or thumbnail dst dir
}

type encodeCtx struct {
	mediaID string
	userId  string
	srcPath string
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		pending: make(map[string]Submission),
		encodes: make(map[string]encodeCtx),
	}
}

// Run blocks, draining uploadsIn, watcherOut and both pools' result channels
// until stop is closed.
func (o *Orchestrator) Run(stop <-chan struct{}, uploadsIn <-chan Submission, watcherOut <-chan IncomingFile) {
	for {
		select {
		case <-stop:
			return
		case sub := <-uploadsIn:
			o.submitProbe(sub)
		case inc := <-watcherOut:
			o.submitProbe(Submission{SrcPath: inc.Path, OrigFilename: filepath.Base(inc.Path), UserId: inc.UserId})
		case res := <-o.cfg.ProbePool.Results():
			o.handleProbeResult(res)
		case res := <-o.cfg.EncodePool.Results():
			o.handleEncodeResult(res)
		}
	}
}

func (o *Orchestrator) submitProbe(sub Submission) {
	o.mu.Lock()
	o.pending[sub.SrcPath] = sub
	o.mu.Unlock()

	job := &ProbeJob{SrcFile: sub.SrcPath, UserId: sub.UserId, Logger: o.cfg.Logger}
	if err := o.cfg.ProbePool.Submit(job); err != nil {
		o.cfg.Logger.Errorf("probe submission failed for %s: %v", sub.SrcPath, err)
		o.dropPending(sub.SrcPath)
		o.quarantineAndReport(sub, "failed to queue for processing", err)
	}
}

func (o *Orchestrator) dropPending(srcPath string) {
	o.mu.Lock()
	delete(o.pending, srcPath)
	o.mu.Unlock()
}

func (o *Orchestrator) handleProbeResult(res workers.Result) {
	o.mu.Lock()
	sub, ok := o.pending[res.TaskID]
	delete(o.pending, res.TaskID)
	o.mu.Unlock()
	if !ok {
		o.cfg.Logger.Warnf("probe result for unknown submission %s", res.TaskID)
		return
	}

	if res.Error != nil {
		if pf, ok := res.Error.(*ProbeFailure); ok {
			o.quarantineAndReport(sub, pf.Reason, fmt.Errorf("%s", pf.Details))
		} else {
			o.quarantineAndReport(sub, "probe failed", res.Error)
		}
		return
	}

	meta, ok := res.Value.(*Metadata)
	if !ok {
		o.quarantineAndReport(sub, "probe returned unexpected result", nil)
		return
	}
	o.ingest(sub, meta)
}

// ingest implements spec §4.F steps 1-5.
func (o *Orchestrator) ingest(sub Submission, meta *Metadata) {
	ctx := context.Background()

	fp, err := Fingerprint(sub.SrcPath, sub.OrigFilename, sub.UserId)
	if err != nil {
		o.quarantineAndReport(sub, "fingerprinting failed", err)
		return
	}

	videoDir := filepath.Join(o.cfg.DataDir, "videos", fp)
	if _, statErr := os.Stat(videoDir); statErr == nil {
		existing, getErr := o.cfg.Store.GetMedia(ctx, fp)
		switch {
		case getErr == nil && existing.UserId != nil && *existing.UserId == sub.UserId:
			o.notify(&model.UserMessage{Kind: model.MsgOK, VideoId: &fp, UserId: sub.UserId, Message: "You already have this video.", Created: time.Now().UTC()})
			if qerr := Quarantine(o.cfg.DataDir, sub.SrcPath, fp); qerr != nil {
				o.cfg.Logger.Errorf("quarantine of duplicate failed: %v", qerr)
			}
			return
		case getErr == nil:
			o.cfg.Logger.Errorf("fingerprint collision: %s already registered to a different owner", fp)
			o.quarantineAndReport(sub, "fingerprint collision with an existing video owned by someone else", nil)
			return
		case errs.KindOf(getErr) == errs.NotFound:
			if err := os.RemoveAll(videoDir); err != nil {
				o.quarantineAndReport(sub, "failed to clear stale video directory", err)
				return
			}
		default:
			o.quarantineAndReport(sub, "failed to check for an existing video", getErr)
			return
		}
	}

	origDir := filepath.Join(videoDir, "orig")
	if err := os.MkdirAll(origDir, 0o755); err != nil {
		o.quarantineAndReport(sub, "failed to create video directory", err)
		return
	}
	origPath := filepath.Join(origDir, sub.OrigFilename)
	if err := os.Rename(sub.SrcPath, origPath); err != nil {
		o.quarantineAndReport(sub, "failed to move source into video directory", err)
		return
	}

	title := sub.OrigFilename
	userId := sub.UserId
	userName := sub.UserName
	m := &model.MediaFile{
		Id:              fp,
		UserId:          &userId,
		UserName:        &userName,
		AddedTime:       time.Now().UTC(),
		OrigFilename:    &sub.OrigFilename,
		Title:           &title,
		TotalFrames:     &meta.TotalFrames,
		DurationSeconds: &meta.DurationSeconds,
		FPS:             &meta.FPS,
		RawMetadataAll:  &meta.RawJSON,
	}
	if err := o.cfg.Store.InsertMedia(ctx, m); err != nil {
		o.quarantineAndReport(sub, "failed to record video", err)
		return
	}

	container := strings.TrimPrefix(strings.ToLower(filepath.Ext(sub.OrigFilename)), ".")
	skip := meta.Kind == KindVideo && ShouldSkipTranscode(container, meta.Codec, meta.Bitrate, o.cfg.ConfiguredMaxBitrate)

	o.dispatchThumbnail(videoDir, origPath, fp, userId, meta)

	if skip {
		linkPath := filepath.Join(videoDir, "video.mp4")
		if err := os.Symlink(origPath, linkPath); err != nil {
			o.cfg.Logger.Errorf("failed to symlink passthrough video for %s: %v", fp, err)
		}
		now := time.Now().UTC()
		if err := o.cfg.Store.SetRecompressed(ctx, fp, now); err != nil {
			o.cfg.Logger.Errorf("failed to stamp recompression time for %s: %v", fp, err)
		}
		o.notify(&model.UserMessage{Kind: model.MsgOK, VideoId: &fp, UserId: userId, Message: "Video added.", Created: time.Now().UTC()})
		return
	}

	target := TargetBitrate(meta.Bitrate, o.cfg.ConfiguredMaxBitrate)
	dstPath := filepath.Join(videoDir, "video.transcoded.mp4")
	o.mu.Lock()
	o.encodes[dstPath] = encodeCtx{mediaID: fp, userId: userId, srcPath: origPath}
	o.mu.Unlock()

	job := &TranscodeJob{
		Input: TranscodeInput{
			SrcPath: origPath, DstPath: dstPath, BitrateBPS: target,
			Kind: meta.Kind, Duration: meta.DurationSeconds, TotalFrames: meta.TotalFrames,
		},
		Logger: o.cfg.Logger,
		Progress: func(msg string) {
			o.notify(&model.UserMessage{Kind: model.MsgProgress, VideoId: &fp, UserId: userId, Message: msg, Created: time.Now().UTC()})
		},
	}
	if err := o.cfg.EncodePool.Submit(job); err != nil {
		o.mu.Lock()
		delete(o.encodes, dstPath)
		o.mu.Unlock()
		o.cfg.Logger.Errorf("failed to enqueue transcode for %s: %v", fp, err)
		o.notify(&model.UserMessage{Kind: model.MsgError, VideoId: &fp, UserId: userId, Message: "Failed to enqueue transcoding.", Created: time.Now().UTC()})
		return
	}
	o.notify(&model.UserMessage{Kind: model.MsgOK, VideoId: &fp, UserId: userId, Message: "Video added, transcoding in progress.", Created: time.Now().UTC()})
}

func (o *Orchestrator) dispatchThumbnail(videoDir, srcPath, mediaID, userId string, meta *Metadata) {
	o.mu.Lock()
	o.encodes[videoDir] = encodeCtx{mediaID: mediaID, userId: userId, srcPath: srcPath}
	o.mu.Unlock()

	job := &ThumbnailJob{
		Input: ThumbnailInput{
			SrcPath: srcPath, DstDir: videoDir,
			Cols: o.cfg.ThumbCols, Rows: o.cfg.ThumbRows,
			TileW: o.cfg.TileW, TileH: o.cfg.TileH,
			Kind: meta.Kind, TotalFrames: meta.TotalFrames,
		},
		Logger: o.cfg.Logger,
	}
	if err := o.cfg.EncodePool.Submit(job); err != nil {
		o.mu.Lock()
		delete(o.encodes, videoDir)
		o.mu.Unlock()
		o.cfg.Logger.Errorf("failed to enqueue thumbnail generation for %s: %v", mediaID, err)
	}
}

// handleEncodeResult correlates a transcode/thumbnail completion back to its
// media and applies the spec §4.F post-encode steps.
func (o *Orchestrator) handleEncodeResult(res workers.Result) {
	o.mu.Lock()
	ectx, ok := o.encodes[res.TaskID]
	delete(o.encodes, res.TaskID)
	o.mu.Unlock()
	if !ok {
		o.cfg.Logger.Warnf("encode result for unknown job %s", res.TaskID)
		return
	}

	ctx := context.Background()
	switch out := res.Value.(type) {
	case *TranscodeOutput:
		if res.Error != nil {
			o.cfg.Logger.Errorf("transcode failed for %s: %v", ectx.mediaID, res.Error)
			o.notify(&model.UserMessage{Kind: model.MsgError, VideoId: &ectx.mediaID, UserId: ectx.userId, Message: "Transcoding failed.", Created: time.Now().UTC()})
			return
		}
		dir := filepath.Dir(out.DstPath)
		_ = os.WriteFile(filepath.Join(dir, "stdout.txt"), []byte(out.Stdout), 0o644)
		_ = os.WriteFile(filepath.Join(dir, "stderr.txt"), []byte(out.Stderr), 0o644)
		linkPath := filepath.Join(dir, "video.mp4")
		_ = os.Remove(linkPath)
		if err := os.Symlink(filepath.Base(out.DstPath), linkPath); err != nil {
			o.cfg.Logger.Errorf("failed to symlink transcoded video for %s: %v", ectx.mediaID, err)
		}
		if err := o.cfg.Store.SetRecompressed(ctx, ectx.mediaID, time.Now().UTC()); err != nil {
			o.cfg.Logger.Errorf("failed to stamp recompression time for %s: %v", ectx.mediaID, err)
		}
		o.notify(&model.UserMessage{Kind: model.MsgOK, VideoId: &ectx.mediaID, UserId: ectx.userId, Message: "Transcoding done.", Created: time.Now().UTC()})

	case *ThumbnailOutput:
		if res.Error != nil {
			o.cfg.Logger.Warnf("thumbnail generation failed for %s: %v", ectx.mediaID, res.Error)
			return
		}
		if out.SheetPath != "" {
			if err := o.cfg.Store.SetThumbSheetDimensions(ctx, ectx.mediaID, o.cfg.ThumbCols, o.cfg.ThumbRows); err != nil {
				o.cfg.Logger.Errorf("failed to record thumbnail dimensions for %s: %v", ectx.mediaID, err)
				return
			}
			o.notify(&model.UserMessage{Kind: model.MsgMediaUpdated, VideoId: &ectx.mediaID, UserId: ectx.userId, Message: "Thumbnails ready.", Created: time.Now().UTC()})
		}
	}
}

func (o *Orchestrator) quarantineAndReport(sub Submission, reason string, cause error) {
	if qerr := Quarantine(o.cfg.DataDir, sub.SrcPath, ""); qerr != nil {
		o.cfg.Logger.Errorf("quarantine failed for %s: %v", sub.SrcPath, qerr)
	}
	detail := reason
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", reason, cause)
	}
	o.cfg.Logger.Warnf("ingestion failed for %s (user %s): %s", sub.SrcPath, sub.UserId, detail)
	o.notify(&model.UserMessage{Kind: model.MsgError, UserId: sub.UserId, Message: "Failed to add video: " + reason, Created: time.Now().UTC()})
}

func (o *Orchestrator) notify(msg *model.UserMessage) {
	if o.cfg.Notify != nil {
		o.cfg.Notify(msg)
	}
}
