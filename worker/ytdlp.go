package worker

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"mediajobs/media"
	"mediajobs/task"
)

// audioCodecs maps requested audio formats to yt-dlp --audio-format values.
var audioCodecs = map[string]string{
	"mp3":  "mp3",
	"wav":  "wav",
	"flac": "flac",
	"aac":  "aac",
	"opus": "opus",
	"m4a":  "m4a",
}

// formatSelector picks the yt-dlp -f expression for a video quality.
func formatSelector(quality string) string {
	if quality == "" || quality == "best" {
		return "bestvideo+bestaudio/best"
	}
	h := strings.TrimSuffix(quality, "p")
	return fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]/best", h, h)
}

// outputTemplate escapes the title for yt-dlp's %-based templates.
func outputTemplate(dir, title string) string {
	return filepath.Join(dir, strings.ReplaceAll(title, "%", "%%")+".%(ext)s")
}

// downloadArgs builds the yt-dlp argument list for req. The URL goes last,
// after "--", so it is never read as an option.
func downloadArgs(req task.Request, template, ffmpegDir string, extra []string) []string {
	args := []string{
		"--newline",
		"--no-playlist",
		"--no-warnings",
		"--no-colors",
		"-o", template,
	}
	if ffmpegDir != "" {
		args = append(args, "--ffmpeg-location", ffmpegDir)
	}

	if req.MediaType == media.Audio {
		codec, ok := audioCodecs[req.Format]
		if !ok {
			codec = "mp3"
		}
		quality := req.AudioQuality
		if quality == "" {
			quality = media.AudioBitrates[0]
		}
		args = append(args,
			"-f", "bestaudio/best",
			"-x",
			"--audio-format", codec,
			"--audio-quality", quality+"K",
		)
	} else {
		format := req.Format
		if format == "" {
			format = "mp4"
		}
		args = append(args, "-f", formatSelector(req.Quality), "--recode-video", format)
		if format != "avi" {
			args = append(args, "--merge-output-format", format)
		}
	}

	args = append(args, extra...)
	return append(args, "--", req.Input)
}

func infoArgs(url string, extra []string) []string {
	args := []string{"-J", "--no-playlist", "--no-warnings", "--skip-download"}
	args = append(args, extra...)
	return append(args, "--", url)
}

// ytInfo is the subset of `yt-dlp -J` output we use.
type ytInfo struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Thumbnail string     `json:"thumbnail"`
	Duration  float64    `json:"duration"`
	Channel   string     `json:"channel"`
	Uploader  string     `json:"uploader"`
	ViewCount int64      `json:"view_count"`
	Formats   []ytFormat `json:"formats"`
}

type ytFormat struct {
	FormatID       string  `json:"format_id"`
	Height         int     `json:"height"`
	Ext            string  `json:"ext"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	FileSize       float64 `json:"filesize"`
	FileSizeApprox float64 `json:"filesize_approx"`
}

// parseInfo converts yt-dlp JSON into task.Info, keeping one video format per
// resolution, highest first.
func parseInfo(data []byte) (task.Info, error) {
	var raw ytInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return task.Info{}, fmt.Errorf("parse yt-dlp metadata: %w", err)
	}
	if raw.ID == "" && raw.Title == "" {
		return task.Info{}, fmt.Errorf("could not extract video info")
	}

	info := task.Info{
		ID:        raw.ID,
		Title:     raw.Title,
		Thumbnail: raw.Thumbnail,
		Duration:  int64(raw.Duration),
		Channel:   raw.Channel,
		ViewCount: raw.ViewCount,
		Formats:   []task.Format{},
	}
	if info.Channel == "" {
		info.Channel = raw.Uploader
	}

	seen := map[int]bool{}
	for _, f := range raw.Formats {
		if f.Height <= 0 || f.VCodec == "" || f.VCodec == "none" || seen[f.Height] {
			continue
		}
		seen[f.Height] = true
		size := f.FileSize
		if size == 0 {
			size = f.FileSizeApprox
		}
		info.Formats = append(info.Formats, task.Format{
			FormatID:   f.FormatID,
			Resolution: fmt.Sprintf("%dp", f.Height),
			Height:     f.Height,
			Ext:        f.Ext,
			Type:       "video",
			HasAudio:   f.ACodec != "" && f.ACodec != "none",
			FileSize:   int64(size),
		})
	}
	sort.SliceStable(info.Formats, func(i, j int) bool {
		return info.Formats[i].Height > info.Formats[j].Height
	})
	return info, nil
}
