package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mediajobs/media"
	"mediajobs/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	args, err := SplitArgs(`--cookies "/home/me/my cookies.txt" --limit-rate 2M`)
	assert.NoError(t, err)
	assert.Equal(t, []string{"--cookies", "/home/me/my cookies.txt", "--limit-rate", "2M"}, args)

	args, err = SplitArgs("   ")
	assert.NoError(t, err)
	assert.Empty(t, args)
}

func TestValidateArgs(t *testing.T) {
	t.Run("Valid arguments", func(t *testing.T) {
		args, _ := SplitArgs(`--proxy socks5://127.0.0.1:1080 --retries 3`)
		assert.NoError(t, ValidateArgs(args))
	})

	t.Run("Disallowed character (semicolon)", func(t *testing.T) {
		args, _ := SplitArgs(`--retries 3; rm -rf /`)
		err := ValidateArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: 3;")
	})

	t.Run("Disallowed character (dollar)", func(t *testing.T) {
		args, _ := SplitArgs(`--user-agent "$(whoami)"`)
		err := ValidateArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: $(whoami)")
	})

	t.Run("Managed output flags", func(t *testing.T) {
		for _, raw := range []string{"-o /tmp/x", "--output=/tmp/x", "--exec echo"} {
			args, _ := SplitArgs(raw)
			assert.Error(t, ValidateArgs(args), raw)
		}
	})

	_, err := ParseExtraArgs(`--cookies "unterminated`)
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "What_ A _Clip_ _1_2_", SanitizeFilename(`What? A "Clip" <1/2>`))
	assert.Equal(t, "tab", SanitizeFilename("t\tab\x00"))
	assert.Equal(t, "trailing", SanitizeFilename("  trailing.. "))

	long := strings.Repeat("é", 150)
	got := SanitizeFilename(long)
	assert.LessOrEqual(t, len(got), maxTitleBytes)
	assert.True(t, strings.HasPrefix(long, got))
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	first := uniquePath(dir, "clip", "-compressed", "mp4")
	assert.Equal(t, filepath.Join(dir, "clip-compressed.mp4"), first)

	require.NoError(t, os.WriteFile(first, nil, 0o644))
	second := uniquePath(dir, "clip", "-compressed", "mp4")
	assert.Equal(t, filepath.Join(dir, "clip-compressed-2.mp4"), second)

	require.NoError(t, os.WriteFile(second, nil, 0o644))
	assert.Equal(t, filepath.Join(dir, "clip-compressed-3.mp4"), uniquePath(dir, "clip", "-compressed", "mp4"))
}

func TestFormatSelector(t *testing.T) {
	assert.Equal(t, "bestvideo+bestaudio/best", formatSelector("best"))
	assert.Equal(t, "bestvideo[height<=720]+bestaudio/best[height<=720]/best", formatSelector("720"))
	assert.Equal(t, "bestvideo[height<=1080]+bestaudio/best[height<=1080]/best", formatSelector("1080p"))
}

func TestDownloadArgs(t *testing.T) {
	t.Run("video", func(t *testing.T) {
		req := task.Request{Kind: task.KindDownload, Input: "https://video.example/watch?v=abc", MediaType: media.Video, Format: "mkv", Quality: "720"}
		args := downloadArgs(req, "/out/clip.%(ext)s", "", []string{"--retries", "3"})

		assert.Contains(t, args, "--newline")
		assert.Equal(t, []string{"--", "https://video.example/watch?v=abc"}, args[len(args)-2:])
		assert.Equal(t, "/out/clip.%(ext)s", argAfter(args, "-o"))
		assert.Equal(t, formatSelector("720"), argAfter(args, "-f"))
		assert.Equal(t, "mkv", argAfter(args, "--recode-video"))
		assert.Equal(t, "mkv", argAfter(args, "--merge-output-format"))
		assert.Equal(t, "3", argAfter(args, "--retries"))
		assert.NotContains(t, args, "--ffmpeg-location")
	})

	t.Run("audio", func(t *testing.T) {
		req := task.Request{Kind: task.KindDownload, Input: "https://video.example/a", MediaType: media.Audio, Format: "opus", AudioQuality: "192"}
		args := downloadArgs(req, "/out/a.%(ext)s", "/opt/ffmpeg/bin", nil)

		assert.Contains(t, args, "-x")
		assert.Equal(t, "opus", argAfter(args, "--audio-format"))
		assert.Equal(t, "192K", argAfter(args, "--audio-quality"))
		assert.Equal(t, "bestaudio/best", argAfter(args, "-f"))
		assert.Equal(t, "/opt/ffmpeg/bin", argAfter(args, "--ffmpeg-location"))
		assert.NotContains(t, args, "--recode-video")
	})

	assert.Equal(t, filepath.Join("/out", "100%% done.%(ext)s"), outputTemplate("/out", "100% done"))
}

func TestCompressArgs(t *testing.T) {
	t.Run("high mp4 on cpu", func(t *testing.T) {
		args := compressArgs("/in/a.mov", "/out/a-compressed.mp4", "mp4", media.TierHigh, "")
		assert.Equal(t, "/in/a.mov", argAfter(args, "-i"))
		assert.Equal(t, "libx264", argAfter(args, "-c:v"))
		assert.Equal(t, "slow", argAfter(args, "-preset"))
		assert.Equal(t, "20", argAfter(args, "-crf"))
		assert.Equal(t, "192k", argAfter(args, "-b:a"))
		assert.Equal(t, "+faststart", argAfter(args, "-movflags"))
		assert.Equal(t, "pipe:1", argAfter(args, "-progress"))
		assert.NotContains(t, args, "-vf")
		assert.Equal(t, "/out/a-compressed.mp4", args[len(args)-1])
	})

	t.Run("balanced and light scale down", func(t *testing.T) {
		assert.Equal(t, "scale='min(1920,iw)':-2", argAfter(compressArgs("i", "o", "mkv", media.TierBalanced, ""), "-vf"))
		light := compressArgs("i", "o", "mkv", media.TierLight, "")
		assert.Equal(t, "scale='min(1280,iw)':-2", argAfter(light, "-vf"))
		assert.Equal(t, "28", argAfter(light, "-crf"))
		assert.NotContains(t, light, "-movflags")
	})

	t.Run("webm uses vp9", func(t *testing.T) {
		args := compressArgs("i", "o", "webm", media.TierBalanced, "h264_nvenc")
		assert.Equal(t, "libvpx-vp9", argAfter(args, "-c:v"))
		assert.Equal(t, "36", argAfter(args, "-crf"))
		assert.Equal(t, "libopus", argAfter(args, "-c:a"))
	})

	t.Run("gpu encoders", func(t *testing.T) {
		nvenc := compressArgs("i", "o", "mp4", media.TierBalanced, "h264_nvenc")
		assert.Equal(t, "h264_nvenc", argAfter(nvenc, "-c:v"))
		assert.Equal(t, "23", argAfter(nvenc, "-cq"))

		qsv := compressArgs("i", "o", "mp4", media.TierLight, "h264_qsv")
		assert.Equal(t, "28", argAfter(qsv, "-global_quality"))

		amf := compressArgs("i", "o", "mp4", media.TierHigh, "h264_amf")
		assert.Equal(t, "22", argAfter(amf, "-qp_b"))
	})
}

func TestConvertArgs(t *testing.T) {
	img := convertArgs("a.png", "a.jpg", media.Image, "jpg", media.TierBalanced)
	assert.Equal(t, "4", argAfter(img, "-q:v"))

	webp := convertArgs("a.png", "a.webp", media.Image, "webp", media.TierHigh)
	assert.Equal(t, "85", argAfter(webp, "-q:v"))

	mp3 := convertArgs("a.wav", "a.mp3", media.Audio, "mp3", media.TierLight)
	assert.Contains(t, mp3, "-vn")
	assert.Equal(t, "libmp3lame", argAfter(mp3, "-c:a"))
	assert.Equal(t, "128k", argAfter(mp3, "-b:a"))

	flac := convertArgs("a.wav", "a.flac", media.Audio, "flac", media.TierHigh)
	assert.Equal(t, "flac", argAfter(flac, "-c:a"))
	assert.NotContains(t, flac, "-b:a")

	mov := convertArgs("a.mkv", "a.mov", media.Video, "mov", media.TierHigh)
	assert.Equal(t, "20", argAfter(mov, "-crf"))
	assert.Equal(t, "+faststart", argAfter(mov, "-movflags"))

	webm := convertArgs("a.mkv", "a.webm", media.Video, "webm", media.TierHigh)
	assert.Equal(t, "30", argAfter(webm, "-crf"))
	assert.Equal(t, "a.webm", webm[len(webm)-1])
}

func TestParseInfo(t *testing.T) {
	data := []byte(`{
		"id": "abc", "title": "A clip", "duration": 212.4, "uploader": "someone", "view_count": 10,
		"formats": [
			{"format_id": "18", "height": 360, "ext": "mp4", "vcodec": "avc1", "acodec": "mp4a", "filesize": 1000},
			{"format_id": "137", "height": 1080, "ext": "mp4", "vcodec": "avc1", "acodec": "none", "filesize_approx": 5000},
			{"format_id": "136", "height": 720, "ext": "mp4", "vcodec": "avc1", "acodec": "none"},
			{"format_id": "22", "height": 720, "ext": "mp4", "vcodec": "avc1", "acodec": "mp4a"},
			{"format_id": "140", "ext": "m4a", "vcodec": "none", "acodec": "mp4a"}
		]
	}`)
	info, err := parseInfo(data)
	require.NoError(t, err)
	assert.Equal(t, "abc", info.ID)
	assert.Equal(t, int64(212), info.Duration)
	assert.Equal(t, "someone", info.Channel)
	require.Len(t, info.Formats, 3)
	assert.Equal(t, "1080p", info.Formats[0].Resolution)
	assert.Equal(t, int64(5000), info.Formats[0].FileSize)
	assert.False(t, info.Formats[0].HasAudio)
	assert.Equal(t, "136", info.Formats[1].FormatID, "first format per resolution wins")
	assert.True(t, info.Formats[2].HasAudio)

	_, err = parseInfo([]byte(`{}`))
	assert.Error(t, err)
	_, err = parseInfo([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe("/in/a.mp4", []byte(`{"format": {"duration": "61.500000", "size": "1048576", "bit_rate": "136400"}}`))
	require.NoError(t, err)
	assert.Equal(t, media.Video, info.MediaType)
	assert.Equal(t, 61.5, info.Duration)
	assert.Equal(t, int64(1048576), info.Size)
	assert.Equal(t, int64(136400), info.BitRate)
	assert.Equal(t, int64(61500), info.DurationValue().Milliseconds())

	info, err = parseProbe("/in/a.png", []byte(`{"format": {"duration": "N/A", "size": "2048"}}`))
	require.NoError(t, err)
	assert.Zero(t, info.Duration)
	assert.Equal(t, media.Image, info.MediaType)
}

func TestParseEncoders(t *testing.T) {
	output := `Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
 V....D h264_qsv             H.264 / AVC / MPEG-4 AVC (Intel Quick Sync Video acceleration) (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
`
	report := parseEncoders(output)
	assert.True(t, report.Available)
	assert.Equal(t, "h264_nvenc", report.Best)
	assert.Equal(t, []string{"h264_nvenc", "h264_qsv"}, report.All)

	none := parseEncoders("Encoders:\n V....D libx264 ...\n")
	assert.False(t, none.Available)
	assert.Empty(t, none.All)
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
