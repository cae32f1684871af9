package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/logging"
	"github.com/clapshot/clapshot-server/internal/subproc"
)

// skippableContainers and skippableCodecs implement spec §4.E's bitrate-skip
// eligibility: transcoding is only ever skipped for these.
var skippableContainers = map[string]bool{"mp4": true, "mkv": true}
var skippableCodecs = map[string]bool{"h264": true, "avc": true, "hevc": true, "h265": true}

// TargetBitrate implements spec §4.E: "target = max(original/2,
// min(original, configured_max))".
func TargetBitrate(original, configuredMax uint64) uint64 {
	capped := original
	if configuredMax < capped {
		capped = configuredMax
	}
	half := original / 2
	if half > capped {
		return half
	}
	return capped
}

// ShouldSkipTranscode implements the full bitrate-skip decision of spec
// §4.E, exact at the 20% boundary (spec §8: a source at exactly 1.2×target
// is accepted without transcoding; anything strictly higher is transcoded).
func ShouldSkipTranscode(container, codec string, originalBitrate, configuredMaxBitrate uint64) bool {
	container = strings.ToLower(strings.TrimPrefix(container, "."))
	codec = strings.ToLower(codec)
	if !skippableContainers[container] || !skippableCodecs[codec] {
		return false
	}
	target := TargetBitrate(originalBitrate, configuredMaxBitrate)
	// originalBitrate <= target * 1.2, computed without floating point to
	// keep the boundary exact: 5*bitrate <= 6*target  <=>  bitrate <= 1.2*target
	return 5*originalBitrate <= 6*target
}

// TranscodeInput is the parameters of spec §4.E's transcode job.
type TranscodeInput struct {
	SrcPath     string
	DstPath     string
	BitrateBPS  uint64
	Kind        MediaKind
	Duration    float64
	TotalFrames int
}

// TranscodeOutput is either a success (with the produced path and captured
// logs) or, returned alongside a non-nil error, a Failure carrying whatever
// logs were captured -- matching the original CmprOutput Success/Failure split.
type TranscodeOutput struct {
	DstPath string
	Stdout  string
	Stderr  string
}

// ffmpegArgs builds the kind-specific argument template of spec §4.E.
func ffmpegArgs(in TranscodeInput, progressPipe string) []string {
	bitrate := fmt.Sprintf("%d", in.BitrateBPS)
	switch in.Kind {
	case KindAudio:
		filter := fmt.Sprintf(
			"color=c=white:s=2x720 [cursor]; "+
				"[0:a] showwavespic=s=1920x720:split_channels=1:draw=full, fps=60 [stillwave]; "+
				"[0:a] showfreqs=mode=line:ascale=log:s=1920x180 [freqwave]; "+
				"[0:a] showwaves=size=1920x180:mode=p2p [livewave]; "+
				"[stillwave][cursor] overlay=(W*t)/%0.3f:0:shortest=1 [progress]; "+
				"[livewave][progress] vstack[stacked]; "+
				"[stacked][freqwave] vstack [out];", in.Duration)
		return []string{
			"-i", in.SrcPath,
			"-filter_complex", filter,
			"-map", "[out]", "-map", "0:a",
			"-strict", "experimental",
			"-vcodec", "libx264", "-b:v", bitrate,
			"-acodec", "flac", "-r", "60",
			"-progress", progressPipe,
			in.DstPath,
		}
	case KindImage:
		return []string{
			"-i", in.SrcPath,
			"-map", "0", "-dn",
			"-vcodec", "libx264", "-vf", "scale=1920:-8",
			"-framerate", "1", "-r", "30", "-pix_fmt", "yuv444p",
			"-b:v", bitrate, "-b:a", "128000",
			"-progress", progressPipe,
			in.DstPath,
		}
	default: // KindVideo
		return []string{
			"-i", in.SrcPath,
			"-map", "0", "-dn",
			"-vcodec", "libx264", "-vf", "scale=1920:-8", "-preset", "faster",
			"-acodec", "aac", "-ac", "2",
			"-strict", "experimental",
			"-b:v", bitrate, "-b:a", "128000",
			"-progress", progressPipe,
			in.DstPath,
		}
	}
}

// TranscodeJob implements the transcode half of spec §4.E as a workers.Task.
type TranscodeJob struct {
	Input    TranscodeInput
	Logger   *logging.Logger
	Progress func(msg string) // invoked for each line-rate progress message
}

func (j *TranscodeJob) ID() string { return j.Input.DstPath }

func (j *TranscodeJob) Execute(ctx context.Context) (interface{}, error) {
	pipePath := j.Input.DstPath + ".progress.pipe"
	if err := makeFIFO(pipePath); err != nil {
		return &TranscodeOutput{DstPath: j.Input.DstPath}, errs.Backend("create progress pipe", err)
	}
	defer os.Remove(pipePath)

	args := ffmpegArgs(j.Input, pipePath)
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	cmdStr := "nice ffmpeg -y " + strings.Join(quoted, " ")

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		readProgressPipe(pipePath, j.Input.TotalFrames, j.Progress)
	}()

	handle, err := subproc.SpawnShell(ctx, cmdStr, "ffmpeg", j.Logger)
	if err != nil {
		return &TranscodeOutput{DstPath: j.Input.DstPath}, errs.Backend("spawn ffmpeg", err)
	}
	waitErr := handle.Wait()
	stdout, stderr := handle.Logs()
	<-progressDone

	if waitErr != nil {
		return &TranscodeOutput{DstPath: j.Input.DstPath, Stdout: stdout, Stderr: stderr}, errs.SubprocessErr("transcoding failed", stdout, stderr, waitErr)
	}
	return &TranscodeOutput{DstPath: j.Input.DstPath, Stdout: stdout, Stderr: stderr}, nil
}

// readProgressPipe implements spec §9's progress-parsing state machine: a
// lazy sequence of key=value lines terminated by progress=end or EOF,
// emitting at most one user-visible message per progress= line.
func readProgressPipe(pipePath string, totalFrames int, onMessage func(string)) {
	f, err := os.Open(pipePath)
	if err != nil {
		return
	}
	defer f.Close()

	var frame int
	var fps float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch k {
		case "frame":
			if n, err := strconv.Atoi(v); err == nil {
				frame = n
			}
		case "fps":
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				fps = n
			}
		case "progress":
			if onMessage == nil {
				continue
			}
			if v == "end" {
				onMessage("Transcoding done.")
				return
			}
			onMessage(progressMessage(frame, totalFrames, fps))
		}
	}
}

func progressMessage(frame, totalFrames int, fps float64) string {
	fpsStr := ""
	if fps > 0 {
		fpsStr = fmt.Sprintf(" (speed: %.1f fps)", fps)
	}
	if frame > 0 && totalFrames > 0 {
		pct := 100 * float64(frame) / float64(totalFrames)
		return fmt.Sprintf("Transcoding... %.1f%% done%s", pct, fpsStr)
	}
	return fmt.Sprintf("Transcoding...%s", fpsStr)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// makeFIFO is factored out so it can be swapped in tests; real use requires
// a Unix-like OS (mkfifo has no portable Windows equivalent, matching the
// teacher's own Unix-only deployment target).
var makeFIFO = func(path string) error {
	return syscall.Mkfifo(path, 0o644)
}
