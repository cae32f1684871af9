// Package config implements the CLI flag surface of spec §6 and derives the
// on-disk directory layout under --data-dir. Grounded on the teacher's
// flag.* usage in cmd/webui and cmd/noisefs-webui (flat flag.String/
// flag.Int/flag.Bool declarations parsed in main, no external flag
// library), generalized to this server's flag set and paired with explicit
// validation since the teacher's own flags carry none beyond flag's zero
// values.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/clapshot/clapshot-server/internal/logging"
)

// Config is the parsed and validated CLI surface of spec §6.
type Config struct {
	UrlBase string
	DataDir string

	Port int
	Host string

	PollSeconds  float64
	Workers      int
	BitrateMbps  float64
	Migrate      bool

	Debug    bool
	JSONLogs bool
	LogFile  string
}

// Parse reads args (pass os.Args[1:] from main) into a validated Config.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("clapshot-server", flag.ContinueOnError)

	urlBase := fs.String("url-base", "", "external base URL of the API, no trailing slash (required)")
	dataDir := fs.String("data-dir", "", "root directory containing incoming/, videos/, rejected/ and the store file (required)")
	port := fs.Int("port", 8095, "listen port")
	host := fs.String("host", "0.0.0.0", "listen address")
	poll := fs.Float64("poll", 3.0, "incoming-folder poll interval in seconds")
	workers := fs.Int("workers", 0, "worker pool size (0 = auto from CPU count)")
	bitrate := fs.Float64("bitrate", 2.5, "target transcode bitrate in Mbps (min 0.1)")
	migrate := fs.Bool("migrate", false, "apply pending schema migrations before serving rather than refusing to start")
	debug := fs.Bool("debug", false, "enable debug-level logging")
	jsonLogs := fs.Bool("json", false, "emit structured JSON log lines")
	logFile := fs.String("log", "", "log file path (default stdout)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		UrlBase:     *urlBase,
		DataDir:     *dataDir,
		Port:        *port,
		Host:        *host,
		PollSeconds: *poll,
		Workers:     *workers,
		BitrateMbps: *bitrate,
		Migrate:     *migrate,
		Debug:       *debug,
		JSONLogs:    *jsonLogs,
		LogFile:     *logFile,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.UrlBase == "" {
		return fmt.Errorf("--url-base is required")
	}
	if len(c.UrlBase) > 0 && c.UrlBase[len(c.UrlBase)-1] == '/' {
		return fmt.Errorf("--url-base must not have a trailing slash")
	}
	if c.DataDir == "" {
		return fmt.Errorf("--data-dir is required")
	}
	if c.BitrateMbps < 0.1 {
		return fmt.Errorf("--bitrate must be at least 0.1")
	}
	return nil
}

// BitrateBps is the configured max bitrate in bits per second, the unit
// the transcode pipeline's bitrate-skip comparison uses.
func (c *Config) BitrateBps() uint64 {
	return uint64(c.BitrateMbps * 1_000_000)
}

// Layout is the set of directories spec §6 names under --data-dir.
type Layout struct {
	Root      string
	Incoming  string
	Videos    string
	Rejected  string
	Upload    string
	StorePath string
}

func (c *Config) Layout() Layout {
	return Layout{
		Root:      c.DataDir,
		Incoming:  filepath.Join(c.DataDir, "incoming"),
		Videos:    filepath.Join(c.DataDir, "videos"),
		Rejected:  filepath.Join(c.DataDir, "rejected"),
		Upload:    filepath.Join(c.DataDir, "upload"),
		StorePath: filepath.Join(c.DataDir, "clapshot.sqlite"),
	}
}

// EnsureLayout creates every directory in l that doesn't already exist.
func (l Layout) EnsureLayout() error {
	for _, dir := range []string{l.Root, l.Incoming, l.Videos, l.Rejected, l.Upload} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// NewLogger builds the process-wide logger per --debug/--json/--log.
func (c *Config) NewLogger() (*logging.Logger, error) {
	level := logging.InfoLevel
	if c.Debug {
		level = logging.DebugLevel
	}
	format := logging.TextFormat
	if c.JSONLogs {
		format = logging.JSONFormat
	}

	out := os.Stdout
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return logging.New(f, level, format), nil
	}
	return logging.New(out, level, format), nil
}
