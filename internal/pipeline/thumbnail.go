package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/logging"
	"github.com/clapshot/clapshot-server/internal/subproc"
)

// ThumbnailInput is spec §4.E's thumbnail job input.
type ThumbnailInput struct {
	SrcPath     string
	DstDir      string
	Cols, Rows  int
	TileW, TileH int
	Kind        MediaKind
	TotalFrames int
}

// ThumbnailOutput reports which artefacts were produced; for audio, neither
// is set and that is a successful no-op per spec §4.E.
type ThumbnailOutput struct {
	PosterPath string
	SheetPath  string
}

type ThumbnailJob struct {
	Input  ThumbnailInput
	Logger *logging.Logger
}

func (j *ThumbnailJob) ID() string { return j.Input.DstDir }

func (j *ThumbnailJob) Execute(ctx context.Context) (interface{}, error) {
	in := j.Input
	if in.Kind == KindAudio {
		return &ThumbnailOutput{}, nil
	}

	out := &ThumbnailOutput{}
	posterPath := filepath.Join(in.DstDir, "thumb.webp")
	if err := j.runPoster(ctx, posterPath); err != nil {
		return out, err
	}
	out.PosterPath = posterPath

	if in.Kind == KindVideo {
		sheetPath := filepath.Join(in.DstDir, fmt.Sprintf("sheet-%dx%d.webp", in.Cols, in.Rows))
		if err := j.runSheet(ctx, sheetPath); err != nil {
			return out, err
		}
		out.SheetPath = sheetPath
	}
	return out, nil
}

func (j *ThumbnailJob) runPoster(ctx context.Context, dst string) error {
	in := j.Input
	vf := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", in.TileW, in.TileH, in.TileW, in.TileH)
	args := []string{"-i", shellQuote(in.SrcPath), "-frames:v", "1", "-vf", shellQuote(vf), shellQuote(dst)}
	return j.run(ctx, "nice ffmpeg -y "+strings.Join(args, " "))
}

// runSheet tiles exactly Cols*Rows evenly-spaced frames using per-frame
// eq(n\,F_i) select expressions, F_i = i * total_frames / (cols*rows), per
// spec §4.E.
func (j *ThumbnailJob) runSheet(ctx context.Context, dst string) error {
	in := j.Input
	n := in.Cols * in.Rows
	if n <= 0 {
		return errs.InvalidArgumentf("thumbnail sheet needs cols*rows > 0")
	}

	selects := make([]string, n)
	for i := 0; i < n; i++ {
		frame := i * in.TotalFrames / n
		selects[i] = fmt.Sprintf("eq(n\\,%d)", frame)
	}
	selectExpr := strings.Join(selects, "+")
	vf := fmt.Sprintf(
		"select='%s',scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,tile=%dx%d",
		selectExpr, in.TileW, in.TileH, in.TileW, in.TileH, in.Cols, in.Rows,
	)
	args := []string{"-i", shellQuote(in.SrcPath), "-frames:v", "1", "-vf", shellQuote(vf), "-vsync", "0", shellQuote(dst)}
	return j.run(ctx, "nice ffmpeg -y "+strings.Join(args, " "))
}

func (j *ThumbnailJob) run(ctx context.Context, cmdStr string) error {
	handle, err := subproc.SpawnShell(ctx, cmdStr, "ffmpeg-thumb", j.Logger)
	if err != nil {
		return errs.Backend("spawn ffmpeg", err)
	}
	waitErr := handle.Wait()
	stdout, stderr := handle.Logs()
	if waitErr != nil {
		return errs.SubprocessErr("thumbnail generation failed", stdout, stderr, waitErr)
	}
	return nil
}
