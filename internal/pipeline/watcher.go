package pipeline

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/clapshot/clapshot-server/internal/logging"
)

// IncomingFile is what the watcher submits into the ingestion channel: a
// quiescent file, its resolved owner, and an empty cookie set (spec §4.D).
type IncomingFile struct {
	Path    string
	UserId  string
	Cookies map[string]string
}

// emptyBlockSize is the ext4 "file created but never written" heuristic
// size mentioned in spec §4.D.
const emptyBlockSize = 4096

// Watcher polls incomingDir every PollInterval, detecting quiescent files by
// comparing size across ticks (spec §4.D), with an fsnotify-driven fast
// path that schedules an extra out-of-band poll as soon as a new file is
// created -- the quiescence decision itself is still made only by the
// ticker-driven poll, fsnotify only shortens the latency to the first
// check.
type Watcher struct {
	IncomingDir    string
	PollInterval   time.Duration
	ResubmitDelay  time.Duration
	Logger         *logging.Logger
	Out            chan<- IncomingFile

	lastSize       map[string]int64
	submissionTime map[string]time.Time

	fsWatcher *fsnotify.Watcher
	extraPoll chan struct{}
}

func NewWatcher(incomingDir string, pollInterval time.Duration, out chan<- IncomingFile, logger *logging.Logger) *Watcher {
	resubmit := 5 * pollInterval
	w := &Watcher{
		IncomingDir:    incomingDir,
		PollInterval:   pollInterval,
		ResubmitDelay:  resubmit,
		Logger:         logger.WithComponent("watcher"),
		Out:            out,
		lastSize:       make(map[string]int64),
		submissionTime: make(map[string]time.Time),
		extraPoll:      make(chan struct{}, 1),
	}
	if fw, err := fsnotify.NewWatcher(); err == nil {
		if err := fw.Add(incomingDir); err == nil {
			w.fsWatcher = fw
			go w.fsEventLoop()
		} else {
			fw.Close()
		}
	}
	return w
}

func (w *Watcher) fsEventLoop() {
	for {
		select {
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				select {
				case w.extraPoll <- struct{}{}:
				default:
				}
			}
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Run blocks, polling until stop is closed or a directory-level I/O error
// terminates the loop (spec §4.D: "Directory-level I/O errors terminate the
// watcher thread with a log").
func (w *Watcher) Run(stop <-chan struct{}) {
	defer func() {
		if w.fsWatcher != nil {
			w.fsWatcher.Close()
		}
	}()

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !w.pollOnce() {
				return
			}
		case <-w.extraPoll:
			if !w.pollOnce() {
				return
			}
		}
	}
}

// pollOnce runs one tick of spec §4.D's algorithm. It returns false if a
// directory-level I/O error occurred, signalling Run to terminate.
func (w *Watcher) pollOnce() bool {
	now := time.Now()
	for path, t := range w.submissionTime {
		if now.Sub(t) >= w.ResubmitDelay {
			delete(w.submissionTime, path)
		}
	}

	entries, err := os.ReadDir(w.IncomingDir)
	if err != nil {
		w.Logger.Errorf("incoming dir read failed, stopping watcher: %v", err)
		return false
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.IncomingDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue // file may have vanished between readdir and stat
		}
		size := info.Size()

		if _, submitted := w.submissionTime[path]; submitted {
			continue
		}

		if size == 0 || size == 1 || size == emptyBlockSize {
			w.lastSize[path] = size
			continue
		}

		if prev, ok := w.lastSize[path]; ok && prev == size {
			owner, err := ownerName(info)
			if err != nil {
				w.Logger.Warnf("owner lookup failed for %s: %v", path, err)
				if qerr := Quarantine(filepath.Dir(w.IncomingDir), path, ""); qerr != nil {
					w.Logger.Errorf("quarantine failed for %s: %v", path, qerr)
				}
				delete(w.lastSize, path)
				continue
			}
			w.submissionTime[path] = now
			select {
			case w.Out <- IncomingFile{Path: path, UserId: owner, Cookies: map[string]string{}}:
			default:
				w.Logger.Warnf("ingestion channel full, dropping submission for %s this tick", path)
				delete(w.submissionTime, path)
			}
		} else {
			w.lastSize[path] = size
		}
	}
	return true
}

var ownerCacheMu sync.Mutex
var ownerCache = map[uint32]string{}

// ownerName resolves the OS username that owns info, the lookup whose
// failure triggers quarantine per spec §4.D.
func ownerName(info os.FileInfo) (string, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", os.ErrInvalid
	}
	uid := stat.Uid

	ownerCacheMu.Lock()
	if name, ok := ownerCache[uid]; ok {
		ownerCacheMu.Unlock()
		return name, nil
	}
	ownerCacheMu.Unlock()

	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", err
	}
	ownerCacheMu.Lock()
	ownerCache[uid] = u.Username
	ownerCacheMu.Unlock()
	return u.Username, nil
}
