package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetBitrateFormula(t *testing.T) {
	// original=1000, configuredMax=600 -> min(1000,600)=600, half=500, max(500,600)=600
	assert.Equal(t, uint64(600), TargetBitrate(1000, 600))
	// original=1000, configuredMax=2000 -> min(1000,2000)=1000, half=500, max(500,1000)=1000
	assert.Equal(t, uint64(1000), TargetBitrate(1000, 2000))
	// original=100, configuredMax=2000 -> min(100,2000)=100, half=50, max(50,100)=100
	assert.Equal(t, uint64(100), TargetBitrate(100, 2000))
}

func TestShouldSkipTranscodeExactBoundary(t *testing.T) {
	// configuredMax=1000: for originals from 1000 to 2000 the target stays
	// max(original/2, 1000) = 1000
	target := TargetBitrate(1200, 1000) // 1000
	// exactly 1.2x target -> skip
	assert.True(t, ShouldSkipTranscode("mp4", "h264", target*6/5, 1000))
	// strictly above 1.2x -> transcode
	assert.False(t, ShouldSkipTranscode("mp4", "h264", target*6/5+1, 1000))
	// at or below target -> skip
	assert.True(t, ShouldSkipTranscode("mp4", "h264", target, 1000))
}

func TestShouldSkipTranscodeRequiresEligibleContainerAndCodec(t *testing.T) {
	assert.False(t, ShouldSkipTranscode("avi", "h264", 100, 2000))
	assert.False(t, ShouldSkipTranscode("mp4", "mpeg2", 100, 2000))
	assert.True(t, ShouldSkipTranscode("mkv", "hevc", 100, 2000))
	assert.True(t, ShouldSkipTranscode("MP4", "H264", 100, 2000))
}

func TestProgressMessageVariants(t *testing.T) {
	assert.Equal(t, "Transcoding...", progressMessage(0, 0, 0))
	assert.Equal(t, "Transcoding... 50.0% done", progressMessage(50, 100, 0))
	assert.Equal(t, "Transcoding... 50.0% done (speed: 2.5 fps)", progressMessage(50, 100, 2.5))
	assert.Equal(t, "Transcoding... (speed: 2.5 fps)", progressMessage(0, 0, 2.5))
}
