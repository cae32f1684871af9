package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequiresUrlBaseAndDataDir(t *testing.T) {
	_, err := Parse([]string{})
	require.Error(t, err)

	_, err = Parse([]string{"--url-base", "http://example.com"})
	require.Error(t, err)
}

func TestParseRejectsTrailingSlashUrlBase(t *testing.T) {
	_, err := Parse([]string{"--url-base", "http://example.com/", "--data-dir", t.TempDir()})
	require.Error(t, err)
}

func TestParseRejectsLowBitrate(t *testing.T) {
	_, err := Parse([]string{"--url-base", "http://example.com", "--data-dir", t.TempDir(), "--bitrate", "0.01"})
	require.Error(t, err)
}

func TestParseDefaultsWorkersFromCPUCount(t *testing.T) {
	cfg, err := Parse([]string{"--url-base", "http://example.com", "--data-dir", t.TempDir()})
	require.NoError(t, err)
	assert.Greater(t, cfg.Workers, 0)
}

func TestParseHonoursExplicitWorkerCount(t *testing.T) {
	cfg, err := Parse([]string{"--url-base", "http://example.com", "--data-dir", t.TempDir(), "--workers", "4"})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLayoutEnsureLayoutCreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Parse([]string{"--url-base", "http://example.com", "--data-dir", dir})
	require.NoError(t, err)

	layout := cfg.Layout()
	require.NoError(t, layout.EnsureLayout())

	for _, sub := range []string{"incoming", "videos", "rejected", "upload"} {
		_, statErr := os.Stat(filepath.Join(dir, sub))
		assert.NoError(t, statErr)
	}
}

func TestBitrateBpsConvertsMbps(t *testing.T) {
	cfg, err := Parse([]string{"--url-base", "http://example.com", "--data-dir", t.TempDir(), "--bitrate", "2.5"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_000), cfg.BitrateBps())
}
