// Package pipeline implements the media processing pipeline: quarantine
// (4.A), the metadata probe pool (4.C), the incoming-folder watcher (4.D),
// the transcode/thumbnail pool (4.E), and the ingestion orchestrator (4.F).
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/clapshot/clapshot-server/internal/errs"
)

// Quarantine moves srcPath into "{dataDir}/rejected/", the evidence-
// preserving operation of spec §4.A. mediaID, when non-empty, names the
// collision subdirectory to retry under; otherwise a fresh UUID is used.
// Idempotent: quarantining an already-quarantined, identical-size path is a
// no-op success (matches spec's "idempotent with respect to repeated calls
// on already-moved paths").
func Quarantine(dataDir, srcPath, mediaID string) error {
	rejectedDir := filepath.Join(dataDir, "rejected")
	if err := os.MkdirAll(rejectedDir, 0o755); err != nil {
		return errs.Backend("create rejected dir", err)
	}

	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			// Already moved by a previous call; nothing to do.
			return nil
		}
		return errs.Backend("stat source", err)
	}

	moved, err := tryMoveInto(rejectedDir, srcPath)
	if err != nil {
		return err
	}
	if moved {
		return nil
	}

	// Collision at the root: retry inside a subdirectory.
	sub := mediaID
	if sub == "" {
		sub = uuid.NewString()
	}
	extraDir := filepath.Join(rejectedDir, sub)
	if err := os.MkdirAll(extraDir, 0o755); err != nil {
		return errs.Backend("create rejected subdir", err)
	}

	moved, err = tryMoveInto(extraDir, srcPath)
	if err != nil {
		return err
	}
	if moved {
		return nil
	}

	// Double collision: same basename already exists in the subdirectory
	// too. If the sizes match, treat the source as a duplicate and delete
	// it silently; otherwise this is a hard failure that leaves both files
	// untouched.
	dst := filepath.Join(extraDir, filepath.Base(srcPath))
	sameSize, err := sameFileSize(srcPath, dst)
	if err != nil {
		return errs.Backend("compare rejected file sizes", err)
	}
	if sameSize {
		if err := os.Remove(srcPath); err != nil {
			return errs.Backend("remove duplicate rejected source", err)
		}
		return nil
	}
	return errs.New(errs.BackendError, fmt.Sprintf("quarantine collision: %s already exists at %s with a different size", filepath.Base(srcPath), dst))
}

// tryMoveInto attempts to rename src into dir, preserving its basename. It
// reports moved=false (no error) when the destination already exists so the
// caller can try the next collision-resolution step.
func tryMoveInto(dir, src string) (moved bool, err error) {
	dst := filepath.Join(dir, filepath.Base(src))
	if _, statErr := os.Stat(dst); statErr == nil {
		return false, nil
	} else if !os.IsNotExist(statErr) {
		return false, errs.Backend("stat destination", statErr)
	}
	if err := os.Rename(src, dst); err != nil {
		return false, errs.Backend("rename into quarantine", err)
	}
	return true, nil
}

func sameFileSize(a, b string) (bool, error) {
	sa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return sa.Size() == sb.Size(), nil
}
