package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
)

const fingerprintSampleSize = 32 * 1024

// Fingerprint implements spec §4.F step 1: a deterministic, stable 8-hex-
// character prefix of a content hash over (filename bytes, owner id bytes,
// file length big-endian, first 32 KiB of contents).
func Fingerprint(path, filename, ownerId string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(filename))
	h.Write([]byte(ownerId))

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(info.Size()))
	h.Write(lenBuf[:])

	if _, err := io.CopyN(h, f, fingerprintSampleSize); err != nil && err != io.EOF {
		return "", err
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:4]), nil
}
