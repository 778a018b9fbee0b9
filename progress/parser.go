// Package progress turns raw yt-dlp and ffmpeg output lines into a common
// {percent, rate, eta} shape.
package progress

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
)

// Unknown is the label used when a rate or ETA cannot be determined.
const Unknown = "unknown"

// Phase is the lifecycle hint carried by a line of worker output.
type Phase int

const (
	PhaseNone Phase = iota
	// PhaseInfo means the worker is still resolving metadata.
	PhaseInfo
	// PhaseTransfer means bytes are being moved.
	PhaseTransfer
	// PhaseProcess means a post-transfer step (merge, remux, encode) is running.
	PhaseProcess
)

func (p Phase) String() string {
	switch p {
	case PhaseInfo:
		return "info"
	case PhaseTransfer:
		return "transfer"
	case PhaseProcess:
		return "process"
	default:
		return "none"
	}
}

// Fragment is the progress information found in one line. Empty strings and
// nil pointers mean the line did not carry that field.
type Fragment struct {
	Percent     *float64
	Rate        string
	ETA         string
	Phase       Phase
	Destination string
	// Position is how far an encoder has got into the input, zero when unknown.
	Position time.Duration
	// Speed is the encoder speed factor (1.0 = realtime), zero when unknown.
	Speed float64
	Done  bool
}

var (
	rePct       = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reSpeed     = regexp.MustCompile(`\bat\s+([^\s]+)`)
	reETA       = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
	reDest      = regexp.MustCompile(`Destination:\s+(.+)$`)
	reMerge     = regexp.MustCompile(`Merging formats into "(.+)"`)
	reAlready   = regexp.MustCompile(`^\[download\]\s+(.+) has already been downloaded`)
	reStatsTime = regexp.MustCompile(`\btime=\s*(-?[0-9]+:[0-9]{2}:[0-9]{2}(?:\.[0-9]+)?)`)
	reStatsSpd  = regexp.MustCompile(`\bspeed=\s*([0-9]+(?:\.[0-9]+)?)x`)
	reBracket   = regexp.MustCompile(`^\[([A-Za-z0-9_:-]+)\]`)
)

var postProcessors = map[string]bool{
	"Merger":              true,
	"ExtractAudio":        true,
	"VideoConvertor":      true,
	"VideoRemuxer":        true,
	"FixupM3u8":           true,
	"FixupM4a":            true,
	"FixupStretched":      true,
	"FixupDuplicateMoov":  true,
	"EmbedThumbnail":      true,
	"Metadata":            true,
	"MoveFiles":           true,
	"ThumbnailsConvertor": true,
}

var ffmpegProgressKeys = map[string]bool{
	"frame":        true,
	"fps":          true,
	"bitrate":      true,
	"total_size":   true,
	"dup_frames":   true,
	"drop_frames":  true,
	"stream_0_0_q": true,
}

// Parse inspects one line of worker output. total is the media duration used
// to turn encoder positions into percentages; zero means unknown. It reports
// false when the line holds nothing useful, and never fails on garbled input.
func Parse(line string, total time.Duration) (Fragment, bool) {
	l := strings.TrimSpace(line)
	if l == "" {
		return Fragment{}, false
	}

	if m := reBracket.FindStringSubmatch(l); len(m) > 1 {
		switch {
		case m[1] == "download":
			return parseDownload(l), true
		case postProcessors[m[1]]:
			return parsePostProcess(l), true
		case m[1] == "debug":
			return Fragment{}, false
		default:
			return Fragment{Phase: PhaseInfo}, true
		}
	}

	if !strings.ContainsAny(l, " \t") {
		if key, value, ok := strings.Cut(l, "="); ok {
			return parseKeyValue(key, value, total)
		}
		return Fragment{}, false
	}

	if strings.Contains(l, "time=") {
		return parseStats(l, total)
	}
	return Fragment{}, false
}

func parseDownload(l string) Fragment {
	f := Fragment{Phase: PhaseTransfer}
	if m := reDest.FindStringSubmatch(l); len(m) > 1 {
		f.Destination = strings.TrimSpace(m[1])
		return f
	}
	if m := reAlready.FindStringSubmatch(l); len(m) > 1 {
		f.Destination = strings.TrimSpace(m[1])
		f.Percent = percent(100)
		return f
	}
	if m := rePct.FindStringSubmatch(l); len(m) > 1 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			f.Percent = percent(v)
		}
	}
	if m := reSpeed.FindStringSubmatch(l); len(m) > 1 && knownLabel(m[1]) {
		f.Rate = m[1]
	}
	if m := reETA.FindStringSubmatch(l); len(m) > 1 {
		f.ETA = m[1]
	}
	return f
}

func parsePostProcess(l string) Fragment {
	f := Fragment{Phase: PhaseProcess}
	if m := reMerge.FindStringSubmatch(l); len(m) > 1 {
		f.Destination = m[1]
	} else if m := reDest.FindStringSubmatch(l); len(m) > 1 {
		f.Destination = strings.TrimSpace(m[1])
	}
	return f
}

func parseKeyValue(key, value string, total time.Duration) (Fragment, bool) {
	switch key {
	case "out_time_us", "out_time_ms":
		// ffmpeg writes microseconds under both keys.
		us, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Fragment{}, false
		}
		return positionFragment(time.Duration(us)*time.Microsecond, total), true
	case "out_time":
		d, ok := parseClock(value)
		if !ok {
			return Fragment{}, false
		}
		return positionFragment(d, total), true
	case "speed":
		v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(value), "x"), 64)
		if err != nil || v <= 0 {
			return Fragment{}, false
		}
		return Fragment{Phase: PhaseProcess, Speed: v, Rate: formatSpeed(v)}, true
	case "progress":
		if value == "end" {
			return Fragment{Phase: PhaseProcess, Percent: percent(100), Done: true}, true
		}
		return Fragment{Phase: PhaseProcess}, true
	default:
		if ffmpegProgressKeys[key] {
			return Fragment{Phase: PhaseProcess}, true
		}
		return Fragment{}, false
	}
}

func parseStats(l string, total time.Duration) (Fragment, bool) {
	m := reStatsTime.FindStringSubmatch(l)
	if len(m) < 2 {
		return Fragment{}, false
	}
	d, ok := parseClock(m[1])
	if !ok {
		return Fragment{}, false
	}
	f := positionFragment(d, total)
	if s := reStatsSpd.FindStringSubmatch(l); len(s) > 1 {
		if v, err := strconv.ParseFloat(s[1], 64); err == nil && v > 0 {
			f.Speed = v
			f.Rate = formatSpeed(v)
			f.ETA = EstimateETA(total, d, v)
		}
	}
	return f, true
}

func positionFragment(pos, total time.Duration) Fragment {
	if pos < 0 {
		pos = 0
	}
	f := Fragment{Phase: PhaseProcess, Position: pos}
	if total > 0 {
		f.Percent = percent(float64(pos) / float64(total) * 100)
	}
	return f
}

// parseClock reads HH:MM:SS(.fraction) as emitted by ffmpeg.
func parseClock(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	neg := strings.HasPrefix(v, "-")
	v = strings.TrimPrefix(v, "-")
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	s, errS := strconv.ParseFloat(parts[2], 64)
	if errH != nil || errM != nil || errS != nil {
		return 0, false
	}
	secs := float64(h*3600+m*60) + s
	if neg {
		secs = -secs
	}
	return time.Duration(secs * float64(time.Second)), true
}

// EstimateETA derives a remaining-time label from an encoder position and speed factor.
func EstimateETA(total, pos time.Duration, speed float64) string {
	if total <= 0 || speed <= 0 || pos >= total {
		return Unknown
	}
	remaining := (total - pos).Seconds() / speed
	return FormatETA(remaining)
}

// FormatETA renders seconds as "1h 2m 3s", "2m 3s" or "3s".
func FormatETA(seconds float64) string {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return Unknown
	}
	total := int(math.Round(seconds))
	if total == 0 {
		total = 1
	}
	minutes, secs := total/60, total%60
	hours, minutes := minutes/60, minutes%60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// FormatRate renders a transfer rate in bytes per second as "1.5 MB/s".
func FormatRate(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 || math.IsNaN(bytesPerSecond) || math.IsInf(bytesPerSecond, 0) {
		return Unknown
	}
	return datasize.ByteSize(bytesPerSecond).HumanReadable() + "/s"
}

// Clamp bounds a percentage to [0,100].
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func percent(v float64) *float64 {
	c := Clamp(v)
	return &c
}

func formatSpeed(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "x"
}

func knownLabel(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "unknown", "n/a", "na":
		return false
	}
	return true
}
