package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/logging"
	"github.com/clapshot/clapshot-server/internal/subproc"
	"github.com/clapshot/clapshot-server/internal/workers"
)

type MediaKind string

const (
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
	KindImage MediaKind = "image"
)

// Metadata is the outcome of a successful probe (spec §4.C step 4).
type Metadata struct {
	SrcFile         string
	UserId          string
	Kind            MediaKind
	TotalFrames     int
	DurationSeconds float64
	Codec           string
	FPS             string // preserves source notation, e.g. "30000/1001"
	Bitrate         uint64
	RawJSON         string
}

// ProbeFailure carries everything the orchestrator needs to quarantine a
// source and tell its owner why, mirroring the original DetailedMsg.
type ProbeFailure struct {
	SrcFile string
	UserId  string
	Reason  string
	Details string
}

func (f *ProbeFailure) Error() string { return f.Reason }

// ProbeJob is a workers.Task that runs the external probe against one file.
type ProbeJob struct {
	SrcFile     string
	UserId      string
	ProbeBinary string // defaults to "mediainfo" when empty
	Logger      *logging.Logger
}

func (j *ProbeJob) ID() string { return j.SrcFile }

// Execute implements spec §4.C's four steps: hardlink, invoke, classify,
// output.
func (j *ProbeJob) Execute(ctx context.Context) (interface{}, error) {
	meta, err := RunProbe(ctx, j.probeBinary(), j.SrcFile, j.Logger)
	if err != nil {
		if pf, ok := err.(*ProbeFailure); ok {
			return nil, pf
		}
		return nil, &ProbeFailure{SrcFile: j.SrcFile, UserId: j.UserId, Reason: "probe failed", Details: err.Error()}
	}
	meta.UserId = j.UserId
	return meta, nil
}

func (j *ProbeJob) probeBinary() string {
	if j.ProbeBinary != "" {
		return j.ProbeBinary
	}
	return "mediainfo"
}

// RunProbe hardlinks srcFile into a fresh temp directory (immunising the
// probe binary from shell-hostile characters in the original path, spec
// §4.C step 1), invokes the probe, and classifies the result.
func RunProbe(ctx context.Context, probeBinary, srcFile string, logger *logging.Logger) (*Metadata, error) {
	info, err := os.Stat(srcFile)
	if err != nil {
		return nil, errs.Backend("stat probe source", err)
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(srcFile), "probe-"+uuid.NewString())
	if err != nil {
		return nil, errs.Backend("create probe temp dir", err)
	}
	defer os.RemoveAll(tmpDir)

	linkPath := filepath.Join(tmpDir, "tempname")
	if err := os.Link(srcFile, linkPath); err != nil {
		return nil, errs.Backend("hardlink probe source", err)
	}

	cmd := fmt.Sprintf("%s --Output=JSON -- %q", probeBinary, linkPath)
	handle, err := subproc.SpawnShell(ctx, cmd, "mediainfo", logger)
	if err != nil {
		return nil, errs.Backend("spawn probe", err)
	}
	waitErr := handle.Wait()
	stdout, stderr := handle.Logs()
	if waitErr != nil {
		return nil, &ProbeFailure{SrcFile: srcFile, Reason: "probe exited with an error", Details: stderr}
	}

	return extractVariables([]byte(stdout), info.Size())
}

type rawTrack struct {
	Type           string `json:"@type"`
	BitRate        string `json:"BitRate"`
	BitRateNominal string `json:"BitRate_Nominal"`
	FrameCount     string `json:"FrameCount"`
	Duration       string `json:"Duration"`
	FrameRate      string `json:"FrameRate"`
	Format         string `json:"Format"`
	CodecID        string `json:"CodecID"`
}

type rawMediaInfo struct {
	Media struct {
		Track []rawTrack `json:"track"`
	} `json:"media"`
}

// extractVariables implements spec §4.C step 3: classify by Video → Audio →
// Image presence, in that order, each with its own required-field set and
// bitrate fallback chain.
func extractVariables(data []byte, fileSize int64) (*Metadata, error) {
	var parsed rawMediaInfo
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &ProbeFailure{Reason: "could not parse probe output", Details: err.Error()}
	}

	var video, audio, image *rawTrack
	for i := range parsed.Media.Track {
		t := &parsed.Media.Track[i]
		switch t.Type {
		case "Video":
			if video == nil {
				video = t
			}
		case "Audio":
			if audio == nil {
				audio = t
			}
		case "Image":
			if image == nil {
				image = t
			}
		}
	}

	raw := string(data)

	if video != nil {
		duration, err := parseFloat(video.Duration)
		if err != nil {
			return nil, &ProbeFailure{Reason: "duration not found", Details: err.Error()}
		}
		frames, err := parseInt(video.FrameCount)
		if err != nil {
			return nil, &ProbeFailure{Reason: "frame count not found", Details: err.Error()}
		}
		fps := strings.TrimSpace(video.FrameRate)
		if fps == "" {
			return nil, &ProbeFailure{Reason: "fps not found", Details: "no FrameRate field on video track"}
		}
		codec := firstNonEmpty(video.CodecID, video.Format)
		if codec == "" {
			return nil, &ProbeFailure{Reason: "codec not found"}
		}
		bitrate, err := videoBitrate(video, fileSize, duration)
		if err != nil {
			return nil, &ProbeFailure{Reason: "bitrate not found", Details: err.Error()}
		}
		return &Metadata{Kind: KindVideo, TotalFrames: frames, DurationSeconds: duration, Codec: codec, FPS: fps, Bitrate: bitrate, RawJSON: raw}, nil
	}

	if audio != nil {
		duration, err := parseFloat(audio.Duration)
		if err != nil {
			return nil, &ProbeFailure{Reason: "duration not found", Details: err.Error()}
		}
		codec := firstNonEmpty(audio.CodecID, audio.Format)
		if codec == "" {
			return nil, &ProbeFailure{Reason: "codec not found"}
		}
		if audio.BitRate == "" {
			return nil, &ProbeFailure{Reason: "bitrate not found"}
		}
		bitrate, err := parseUint(audio.BitRate)
		if err != nil {
			return nil, &ProbeFailure{Reason: "bitrate not found", Details: err.Error()}
		}
		return &Metadata{Kind: KindAudio, TotalFrames: 0, DurationSeconds: duration, Codec: codec, FPS: "0", Bitrate: bitrate, RawJSON: raw}, nil
	}

	if image != nil {
		codec := firstNonEmpty(image.Format, image.CodecID)
		if codec == "" {
			return nil, &ProbeFailure{Reason: "codec not found"}
		}
		return &Metadata{Kind: KindImage, TotalFrames: 1, DurationSeconds: 0, Codec: codec, FPS: "0", Bitrate: 0, RawJSON: raw}, nil
	}

	return nil, &ProbeFailure{Reason: "no video, audio or image track found"}
}

// videoBitrate implements the three-step fallback of spec §4.C: prefer an
// explicit rate, else the nominal rate, else a size/duration estimate.
func videoBitrate(t *rawTrack, fileSize int64, duration float64) (uint64, error) {
	if t.BitRate != "" {
		return parseUint(t.BitRate)
	}
	if t.BitRateNominal != "" {
		return parseUint(t.BitRateNominal)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("cannot estimate bitrate: zero duration")
	}
	return uint64(float64(fileSize) * 8 / duration), nil
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseFloat(s, 64)
}

func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func parseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return uint64(f), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// NewProbePool builds the fixed-size probe worker pool of spec §4.C
// ("pool size is configurable, default 4").
func NewProbePool(size int, logger *logging.Logger) *workers.Pool {
	p := workers.NewPool(workers.Config{WorkerCount: size})
	p.Start()
	return p
}
