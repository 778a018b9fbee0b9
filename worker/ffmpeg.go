package worker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mediajobs/media"
)

// gpuEncoders in order of preference.
var gpuEncoders = []string{"h264_nvenc", "h264_qsv", "h264_amf"}

var compressCRF = map[media.Tier]int{
	media.TierHigh:     20,
	media.TierBalanced: 24,
	media.TierLight:    28,
}

// tierValue picks one of three values by tier.
func tierValue[T any](t media.Tier, high, balanced, light T) T {
	switch t {
	case media.TierBalanced:
		return balanced
	case media.TierLight:
		return light
	default:
		return high
	}
}

func ffmpegPrelude(input string) []string {
	return []string{"-hide_banner", "-nostats", "-loglevel", "error", "-y", "-i", input}
}

// compressArgs builds an ffmpeg re-encode at tier. gpu names a hardware
// encoder or is empty for libx264.
func compressArgs(input, output, format string, tier media.Tier, gpu string) []string {
	crf := compressCRF[tier]
	if crf == 0 {
		crf = compressCRF[media.TierHigh]
	}

	args := append(ffmpegPrelude(input), "-map_metadata", "0")
	switch tier {
	case media.TierBalanced:
		args = append(args, "-vf", "scale='min(1920,iw)':-2")
	case media.TierLight:
		args = append(args, "-vf", "scale='min(1280,iw)':-2")
	}

	var audioCodec, audioBitrate string
	if format == "webm" {
		args = append(args, "-c:v", "libvpx-vp9", "-b:v", "0", "-crf", strconv.Itoa(crf+12))
		audioCodec = "libopus"
		audioBitrate = tierValue(tier, "160k", "128k", "128k")
	} else {
		switch gpu {
		case "h264_nvenc":
			cq := tierValue(tier, 20, 23, 27)
			args = append(args, "-c:v", gpu, "-rc", "vbr", "-cq", strconv.Itoa(cq), "-preset", "p4")
		case "h264_qsv":
			q := tierValue(tier, 20, 23, 28)
			args = append(args, "-c:v", gpu, "-global_quality", strconv.Itoa(q))
		case "h264_amf":
			q := tierValue(tier, 20, 24, 28)
			args = append(args, "-c:v", gpu, "-quality", "quality",
				"-qp_i", strconv.Itoa(q), "-qp_p", strconv.Itoa(q), "-qp_b", strconv.Itoa(q+2))
		default:
			args = append(args, "-c:v", "libx264", "-preset", tierValue(tier, "slow", "medium", "medium"), "-crf", strconv.Itoa(crf))
		}
		audioCodec = "aac"
		audioBitrate = tierValue(tier, "192k", "160k", "128k")
	}
	args = append(args, "-c:a", audioCodec, "-b:a", audioBitrate)
	if format == "mp4" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, "-progress", "pipe:1", output)
}

var convertAudioCodecs = map[string]string{
	"mp3":  "libmp3lame",
	"aac":  "aac",
	"m4a":  "aac",
	"ogg":  "libvorbis",
	"opus": "libopus",
}

// convertArgs builds an ffmpeg conversion of input to format for mt.
func convertArgs(input, output string, mt media.MediaType, format string, tier media.Tier) []string {
	args := ffmpegPrelude(input)
	switch mt {
	case media.Image:
		switch format {
		case "jpg", "jpeg":
			args = append(args, "-q:v", tierValue(tier, "2", "4", "6"))
		case "webp":
			args = append(args, "-q:v", tierValue(tier, "85", "75", "65"))
		case "png":
			args = append(args, "-compression_level", "6")
		}
		args = append(args, "-frames:v", "1")
	case media.Audio:
		args = append(args, "-vn")
		switch format {
		case "wav":
			args = append(args, "-c:a", "pcm_s16le")
		case "flac":
			args = append(args, "-c:a", "flac")
		default:
			codec, ok := convertAudioCodecs[format]
			if !ok {
				codec = format
			}
			args = append(args, "-c:a", codec, "-b:a", tierValue(tier, "320k", "192k", "128k"))
		}
	default:
		if format == "webm" {
			args = append(args, "-c:v", "libvpx-vp9", "-b:v", "0", "-crf", "30", "-c:a", "libopus", "-b:a", "128k")
		} else {
			crf := tierValue(tier, "20", "24", "28")
			args = append(args, "-c:v", "libx264", "-preset", "medium", "-crf", crf, "-c:a", "aac", "-b:a", "160k")
		}
		switch format {
		case "mp4", "m4v", "mov":
			args = append(args, "-movflags", "+faststart")
		}
	}
	return append(args, "-progress", "pipe:1", output)
}

func probeArgs(path string) []string {
	return []string{"-v", "error", "-show_entries", "format=duration,size,bit_rate", "-of", "json", path}
}

// LocalInfo is what ffprobe reports about a local file.
type LocalInfo struct {
	Path      string          `json:"path"`
	MediaType media.MediaType `json:"mediaType,omitempty"`
	// Duration in seconds, zero when unknown.
	Duration float64 `json:"duration,omitempty"`
	Size     int64   `json:"size,omitempty"`
	BitRate  int64   `json:"bitRate,omitempty"`
}

func (l LocalInfo) DurationValue() time.Duration {
	return time.Duration(l.Duration * float64(time.Second))
}

// parseProbe reads ffprobe's JSON. ffprobe writes numbers as strings and
// omits fields it cannot determine.
func parseProbe(path string, data []byte) (LocalInfo, error) {
	var raw struct {
		Format struct {
			Duration string `json:"duration"`
			Size     string `json:"size"`
			BitRate  string `json:"bit_rate"`
		} `json:"format"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return LocalInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	info := LocalInfo{Path: path}
	if mt, ok := media.DetectMediaType(path); ok {
		info.MediaType = mt
	}
	if d, err := strconv.ParseFloat(strings.TrimSpace(raw.Format.Duration), 64); err == nil && d > 0 {
		info.Duration = d
	}
	if s, err := strconv.ParseInt(strings.TrimSpace(raw.Format.Size), 10, 64); err == nil {
		info.Size = s
	}
	if b, err := strconv.ParseInt(strings.TrimSpace(raw.Format.BitRate), 10, 64); err == nil {
		info.BitRate = b
	}
	return info, nil
}

// EncoderReport lists the hardware encoders ffmpeg offers.
type EncoderReport struct {
	Available bool     `json:"available"`
	Best      string   `json:"best,omitempty"`
	All       []string `json:"all"`
}

func parseEncoders(output string) EncoderReport {
	report := EncoderReport{All: []string{}}
	for _, name := range gpuEncoders {
		for _, line := range strings.Split(output, "\n") {
			fields := strings.Fields(line)
			if len(fields) >= 2 && fields[1] == name {
				report.All = append(report.All, name)
				break
			}
		}
	}
	if len(report.All) > 0 {
		report.Available = true
		report.Best = report.All[0]
	}
	return report
}
