package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoJSON(bitrateField, bitrateValue string) string {
	return fmt.Sprintf(`{"media":{"track":[
		{"@type":"General"},
		{"@type":"Video","FrameCount":"150","Duration":"5.000","FrameRate":"30.000","CodecID":"avc1","%s":"%s"}
	]}}`, bitrateField, bitrateValue)
}

func TestExtractVariablesOK(t *testing.T) {
	meta, err := extractVariables([]byte(videoJSON("BitRate", "1000")), 10000)
	require.NoError(t, err)
	assert.Equal(t, KindVideo, meta.Kind)
	assert.Equal(t, uint64(1000), meta.Bitrate)
	assert.Equal(t, "30.000", meta.FPS)
	assert.Equal(t, 150, meta.TotalFrames)
}

func TestExtractVariablesMissingBitrateFallsBackToSizeOverDuration(t *testing.T) {
	j := `{"media":{"track":[
		{"@type":"Video","FrameCount":"150","Duration":"5.000","FrameRate":"30.000","CodecID":"avc1"}
	]}}`
	meta, err := extractVariables([]byte(j), 625)
	require.NoError(t, err)
	// 625 * 8 / 5 = 1000
	assert.Equal(t, uint64(1000), meta.Bitrate)
}

func TestExtractVariablesFailMissingFPS(t *testing.T) {
	j := `{"media":{"track":[
		{"@type":"Video","FrameCount":"150","Duration":"5.000","CodecID":"avc1","BitRate":"1000"}
	]}}`
	_, err := extractVariables([]byte(j), 10000)
	require.Error(t, err)
	assert.True(t, strings.Contains(strings.ToLower(err.Error()), "fps"))
}

func TestExtractVariablesAudioTrack(t *testing.T) {
	j := `{"media":{"track":[
		{"@type":"Audio","Duration":"120.0","CodecID":"mp4a","BitRate":"128000"}
	]}}`
	meta, err := extractVariables([]byte(j), 2000000)
	require.NoError(t, err)
	assert.Equal(t, KindAudio, meta.Kind)
	assert.Equal(t, 0, meta.TotalFrames)
	assert.Equal(t, uint64(128000), meta.Bitrate)
}

func TestExtractVariablesImageTrack(t *testing.T) {
	j := `{"media":{"track":[
		{"@type":"Image","Format":"JPEG"}
	]}}`
	meta, err := extractVariables([]byte(j), 50000)
	require.NoError(t, err)
	assert.Equal(t, KindImage, meta.Kind)
	assert.Equal(t, 1, meta.TotalFrames)
	assert.Equal(t, 0.0, meta.DurationSeconds)
}

func TestExtractVariablesNoTrackFails(t *testing.T) {
	_, err := extractVariables([]byte(`{"media":{"track":[]}}`), 1)
	require.Error(t, err)
}
