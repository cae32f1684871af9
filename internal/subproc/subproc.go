// Package subproc implements the subprocess supervisor (spec §4.B): spawns a
// shell command, relays its stdout/stderr as severity-prefixed log lines,
// and guarantees termination within a bounded grace period.
//
// Grounded on the original Rust ProcHandle (spawn via "sh -c", one reader
// goroutine per stream, SIGTERM-then-5s-timeout-then-SIGKILL), adapted to
// Go's explicit lifecycle (no Drop; callers call Close/Terminate).
package subproc

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/clapshot/clapshot-server/internal/logging"
)

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

func stripANSI(s string) string { return ansiEscape.ReplaceAllString(s, "") }

var severityPrefix = regexp.MustCompile(`^(DEBUG|INFO|WARN|WARNING|ERROR|CRITICAL|FATAL)\s+(.*)$`)

func classify(line string, defaultLevel logging.Level) (logging.Level, string) {
	if m := severityPrefix.FindStringSubmatch(line); m != nil {
		lvl, _ := logging.ParseLevel(m[1])
		return lvl, m[2]
	}
	return defaultLevel, line
}

// Handle supervises one running child process. Capturing a Handle's
// terminal outcome is done by calling Wait; logs are relayed as they arrive,
// and are also kept in full: Logs returns all stdout/stderr text captured so
// far, for callers (e.g. the transcode job) that must persist logs next to
// the media on failure.
type Handle struct {
	Name string
	cmd  *exec.Cmd

	logMu sync.Mutex
	stdout strings.Builder
	stderr strings.Builder

	wg sync.WaitGroup

	terminateFlag atomic32
}

// atomic32 is a tiny bool flag; it exists only so log-reader goroutines can
// check "are we shutting down" without a dedicated channel per line.
type atomic32 struct {
	mu sync.Mutex
	v  bool
}

func (a *atomic32) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic32) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// SpawnShell runs cmdString via "sh -c", logging each output line to logger
// (tagged with name) at a severity parsed from the line's leading token,
// falling back to Info for stdout and Error for stderr.
func SpawnShell(ctx context.Context, cmdString, name string, logger *logging.Logger) (*Handle, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdString)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	h := &Handle{Name: name, cmd: cmd}
	l := logger.WithComponent(name)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h.wg.Add(2)
	go h.relay(stdoutPipe, l, logging.InfoLevel, &h.stdout)
	go h.relay(stderrPipe, l, logging.ErrorLevel, &h.stderr)

	return h, nil
}

func (h *Handle) relay(r io.Reader, l *logging.Logger, defaultLevel logging.Level, sink *strings.Builder) {
	defer h.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if h.terminateFlag.get() {
			// Still drain the pipe so the child doesn't block on a full
			// buffer, but stop bothering the logger.
			continue
		}
		line := stripANSI(scanner.Text())
		h.logMu.Lock()
		sink.WriteString(line)
		sink.WriteByte('\n')
		h.logMu.Unlock()

		lvl, msg := classify(line, defaultLevel)
		switch lvl {
		case logging.DebugLevel:
			l.Debug(msg)
		case logging.WarnLevel:
			l.Warn(msg)
		case logging.ErrorLevel:
			l.Error(msg)
		default:
			l.Info(msg)
		}
	}
}

// Wait blocks until the child exits and all log-reader goroutines have
// drained, returning the child's exit error if any.
func (h *Handle) Wait() error {
	err := h.cmd.Wait()
	h.wg.Wait()
	return err
}

// Logs returns the captured stdout/stderr text accumulated so far.
func (h *Handle) Logs() (stdout, stderr string) {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	return h.stdout.String(), h.stderr.String()
}

// Terminate sends SIGTERM, waits up to 5 seconds for the child to exit, and
// escalates to SIGKILL if it hasn't. Safe to call on an already-exited
// process; all failures (missing process, already dead, no permission) are
// swallowed with a warn log rather than propagated, matching spec §4.B
// ("tolerate missing child/process/permissions, logging at warn, never
// panic").
func (h *Handle) Terminate(logger *logging.Logger) {
	h.terminateFlag.set(true)
	l := logger.WithComponent(h.Name)

	if h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		l.Warnf("sigterm failed: %v", err)
		return
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(5 * time.Second):
		if err := h.cmd.Process.Kill(); err != nil {
			l.Warnf("sigkill failed: %v", err)
		}
	}
}
