package media

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateOutput(t *testing.T) {
	const mb = 1024 * 1024

	t.Run("light preset on a 200MB input", func(t *testing.T) {
		est, err := EstimateOutput(EstimateInput{InputBytes: 200 * mb, Tier: TierLight})
		require.NoError(t, err)
		assert.Less(t, est.Bytes, int64(200*mb))
		assert.Greater(t, est.Bytes, MinEstimateBytes)
		assert.Equal(t, MethodRatio, est.Method)
		assert.LessOrEqual(t, est.LowBytes, est.Bytes)
		assert.GreaterOrEqual(t, est.HighBytes, est.Bytes)
	})

	t.Run("tiers are ordered", func(t *testing.T) {
		high, _ := EstimateOutput(EstimateInput{InputBytes: 100 * mb, Tier: TierHigh})
		balanced, _ := EstimateOutput(EstimateInput{InputBytes: 100 * mb, Tier: TierBalanced})
		light, _ := EstimateOutput(EstimateInput{InputBytes: 100 * mb, Tier: TierLight})
		assert.Greater(t, high.Bytes, balanced.Bytes)
		assert.Greater(t, balanced.Bytes, light.Bytes)
	})

	t.Run("bitrate and duration refine the estimate", func(t *testing.T) {
		est, err := EstimateOutput(EstimateInput{
			InputBytes: 500 * mb,
			Duration:   100 * time.Second,
			BitRate:    8_000_000,
			Tier:       TierBalanced,
		})
		require.NoError(t, err)
		assert.Equal(t, MethodBitrate, est.Method)
		assert.InDelta(t, 62_000_000, est.Bytes, 1)
	})

	t.Run("bitrate estimate is capped to the input size", func(t *testing.T) {
		est, err := EstimateOutput(EstimateInput{
			InputBytes: 10 * mb,
			Duration:   time.Hour,
			BitRate:    8_000_000,
			Tier:       TierHigh,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(10*mb), est.Bytes)
	})

	t.Run("tiny inputs never go below the floor", func(t *testing.T) {
		est, err := EstimateOutput(EstimateInput{InputBytes: 1000, Tier: TierLight})
		require.NoError(t, err)
		assert.Equal(t, MinEstimateBytes, est.Bytes)
		assert.Equal(t, MinEstimateBytes, est.LowBytes)
	})

	t.Run("nothing known", func(t *testing.T) {
		_, err := EstimateOutput(EstimateInput{Tier: TierHigh})
		assert.ErrorIs(t, err, ErrNothingToEstimate)
	})

	t.Run("unknown tier", func(t *testing.T) {
		_, err := EstimateOutput(EstimateInput{InputBytes: mb, Tier: "ultra"})
		assert.Error(t, err)
	})
}

func TestResolveDrop(t *testing.T) {
	tests := []struct {
		name    string
		payload DropPayload
		goos    string
		want    string
	}{
		{"direct path wins", DropPayload{Path: "/home/me/a.mp4", URIList: "file:///other.mp4"}, "linux", "/home/me/a.mp4"},
		{"windows drive letter", DropPayload{URIList: "file:///C:/clips/a.mp4"}, "windows", "C:/clips/a.mp4"},
		{"posix keeps leading slash", DropPayload{URIList: "file:///home/me/a.mp4"}, "linux", "/home/me/a.mp4"},
		{"percent escapes decoded", DropPayload{URIList: "file:///C:/my%20clips/%C3%A9t%C3%A9.mp4"}, "windows", "C:/my clips/été.mp4"},
		{"comments and blanks skipped", DropPayload{URIList: "# from file manager\r\n\r\nfile:///tmp/b.mkv\r\n"}, "darwin", "/tmp/b.mkv"},
		{"non file uris skipped", DropPayload{URIList: "https://example.com/a.mp4\nfile:///tmp/c.mp4"}, "linux", "/tmp/c.mp4"},
		{"localhost host", DropPayload{URIList: "file://localhost/tmp/d.mp4"}, "linux", "/tmp/d.mp4"},
		{"network share", DropPayload{URIList: "file://server/share/e.mp4"}, "windows", "//server/share/e.mp4"},
		{"windows drive in host", DropPayload{URIList: "file://C:/clips/a.mp4"}, "windows", "C:/clips/a.mp4"},
		{"windows drive in host with escapes", DropPayload{URIList: "file://d:/my%20clips/f.mkv"}, "windows", "d:/my clips/f.mkv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveDrop(tt.payload, tt.goos)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unresolvable payloads", func(t *testing.T) {
		for _, p := range []DropPayload{
			{},
			{URIList: "# only a comment"},
			{URIList: "https://example.com/a.mp4"},
			{URIList: "file://"},
		} {
			_, err := ResolveDrop(p, "windows")
			assert.ErrorIs(t, err, ErrUnresolvedDrop, "%+v", p)
		}
	})
}

func TestResolveDropFor_RejectsUnsupportedExtension(t *testing.T) {
	_, err := ResolveDropFor(DropPayload{URIList: "file:///C:/notes/a.txt"}, "windows", OpCompress, Video)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedExtension))
	assert.Contains(t, err.Error(), `".txt"`)

	path, err := ResolveDropFor(DropPayload{URIList: "file:///C:/clips/a.mp4"}, "windows", OpCompress, Video)
	require.NoError(t, err)
	assert.Equal(t, "C:/clips/a.mp4", path)
}

func TestCheckExtension(t *testing.T) {
	assert.NoError(t, CheckExtension("/x/a.MP4", OpCompress, Video))
	assert.NoError(t, CheckExtension("/x/a.flac", OpConvert, Audio))
	assert.NoError(t, CheckExtension("/x/a.png", OpConvert, ""))
	assert.ErrorIs(t, CheckExtension("/x/a.mp3", OpCompress, Video), ErrUnsupportedExtension)
	assert.ErrorIs(t, CheckExtension("/x/a.mp3", OpCompress, Audio), ErrUnsupportedExtension)
	assert.ErrorIs(t, CheckExtension("/x/noext", OpConvert, Video), ErrUnsupportedExtension)
	assert.ErrorIs(t, CheckExtension("/x/a.png", OpConvert, Audio), ErrUnsupportedExtension)
}

func TestSupportsOutput(t *testing.T) {
	assert.True(t, SupportsOutput(OpDownload, Video, "mp4"))
	assert.True(t, SupportsOutput(OpConvert, Image, ".WEBP"))
	assert.False(t, SupportsOutput(OpCompress, Video, "avi"))
	assert.False(t, SupportsOutput(OpCompress, Audio, "mp3"))
	assert.Equal(t, "mp3", DefaultFormat(OpDownload, Audio))
}

func TestDetectPlatform(t *testing.T) {
	assert.Equal(t, "youtube", DetectPlatform("https://www.youtube.com/watch?v=abc"))
	assert.Equal(t, "youtube", DetectPlatform("https://youtu.be/abc"))
	assert.Equal(t, "twitter", DetectPlatform("https://x.com/u/status/1"))
	assert.Equal(t, "tiktok", DetectPlatform("https://vm.tiktok.com/abc"))
	assert.Equal(t, "other", DetectPlatform("https://video.example/watch?v=abc"))
	assert.Equal(t, "other", DetectPlatform("https://notx.com/a"))
}

func TestParseHelpers(t *testing.T) {
	mt, ok := ParseMediaType(" Audio ")
	assert.True(t, ok)
	assert.Equal(t, Audio, mt)
	_, ok = ParseMediaType("document")
	assert.False(t, ok)

	tier, ok := ParseTier("LIGHT")
	assert.True(t, ok)
	assert.Equal(t, TierLight, tier)

	mt, ok = DetectMediaType("song.OGG")
	assert.True(t, ok)
	assert.Equal(t, Audio, mt)
}
