// Package upload implements the multipart upload intake of spec §4.K: an
// HTTP handler that streams the "fileupload" part straight to disk through
// a bounded tee channel, rather than buffering the whole body in memory
// (the teacher's own upload handler calls ParseMultipartForm, which loads
// the whole request; this generalizes it to MultipartReader's streaming API
// since the spec requires bounding memory use on large video uploads).
package upload

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/logging"
)

// chunkQueueSize is the bounded tee channel's capacity (spec §4.K: "bounded
// in-memory channel (capacity 16 chunks)").
const chunkQueueSize = 16

const chunkSize = 64 * 1024

// Intake handles POST /api/upload.
type Intake struct {
	UploadDir string
	Logger    *logging.Logger
	// OnUploaded receives the final on-disk path of each successfully
	// received file, handing it to the ingestion orchestrator's submission
	// channel.
	OnUploaded func(path, filename, userId string)
}

func (in *Intake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userId := userIdOf(r)

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, "malformed multipart body", http.StatusBadRequest)
			return
		}
		if part.FormName() != "fileupload" {
			part.Close()
			continue
		}

		path, err := in.receivePart(part, userId)
		part.Close()
		if err != nil {
			in.Logger.Errorf("upload failed for user %s: %v", userId, err)
			http.Error(w, "upload failed: "+err.Error(), http.StatusBadRequest)
			return
		}

		if in.OnUploaded != nil {
			in.OnUploaded(path, filepath.Base(path), userId)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	http.Error(w, "no fileupload part present", http.StatusBadRequest)
}

// receivePart implements spec §4.K's steps: reject path separators in the
// basename, create a fresh UUID-named directory, tee the body through a
// bounded channel to a filesystem writer running concurrently with the
// reader, and clean up on any producer failure.
func (in *Intake) receivePart(part *multipart.Part, userId string) (string, error) {
	filename := part.FileName()
	if filename == "" {
		return "", errs.InvalidArgumentf("fileupload part has no filename")
	}
	if strings.ContainsAny(filename, "/\\") {
		return "", errs.InvalidArgumentf("filename must not contain path separators: %q", filename)
	}

	destDir := filepath.Join(in.UploadDir, uuid.NewString())
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", errs.Backend("create upload directory", err)
	}
	destPath := filepath.Join(destDir, filename)

	chunks := make(chan []byte, chunkQueueSize)
	produceErr := make(chan error, 1)
	consumeErr := make(chan error, 1)

	go produceChunks(part, chunks, produceErr)
	go consumeChunks(destPath, chunks, consumeErr)

	pErr := <-produceErr
	cErr := <-consumeErr

	if pErr != nil || cErr != nil {
		os.RemoveAll(destDir)
		if pErr != nil {
			return "", errs.Backend("read upload body", pErr)
		}
		return "", errs.Backend("write upload to disk", cErr)
	}
	return destPath, nil
}

func produceChunks(r io.Reader, out chan<- []byte, done chan<- error) {
	defer close(out)
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err == io.EOF {
			done <- nil
			return
		}
		if err != nil {
			done <- err
			return
		}
	}
}

func consumeChunks(destPath string, in <-chan []byte, done chan<- error) {
	f, err := os.Create(destPath)
	if err != nil {
		// Drain so the producer never blocks forever on a full channel.
		for range in {
		}
		done <- err
		return
	}
	defer f.Close()

	for chunk := range in {
		if _, err := f.Write(chunk); err != nil {
			for range in {
			}
			done <- err
			return
		}
	}
	done <- nil
}

// userIdOf mirrors the reverse-proxy header convention of spec §6:
// X-Remote-User-Id (case-insensitive), falling back to "anonymous".
func userIdOf(r *http.Request) string {
	if v := r.Header.Get("X-Remote-User-Id"); v != "" {
		return v
	}
	if v := r.Header.Get("Http-X-Remote-User-Id"); v != "" {
		return v
	}
	return "anonymous"
}
