package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	fp1, err := Fingerprint(path, "a.mp4", "alice")
	require.NoError(t, err)
	fp2, err := Fingerprint(path, "a.mp4", "alice")
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 8)
}

func TestFingerprintDiffersByOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	fpAlice, err := Fingerprint(path, "a.mp4", "alice")
	require.NoError(t, err)
	fpBob, err := Fingerprint(path, "a.mp4", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, fpAlice, fpBob)
}

func TestFingerprintSameNameOwnerSizeAndPrefixCollide(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.mp4")
	p2 := filepath.Join(dir, "b.mp4")
	body := make([]byte, 100)
	require.NoError(t, os.WriteFile(p1, body, 0o644))
	require.NoError(t, os.WriteFile(p2, body, 0o644))

	fp1, err := Fingerprint(p1, "same.mp4", "alice")
	require.NoError(t, err)
	fp2, err := Fingerprint(p2, "same.mp4", "alice")
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2, "same (name, owner, size, first bytes) must fingerprint identically")
}
