// Package media holds the static knowledge about media files the job core
// needs: supported extensions and formats, size estimates and drop-path
// resolution.
package media

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

type MediaType string

const (
	Video MediaType = "video"
	Audio MediaType = "audio"
	Image MediaType = "image"
)

type Operation string

const (
	OpDownload Operation = "download"
	OpCompress Operation = "compress"
	OpConvert  Operation = "convert"
)

// Tier is the coarse quality selector shared by compress presets and
// convert qualities.
type Tier string

const (
	TierHigh     Tier = "high"
	TierBalanced Tier = "balanced"
	TierLight    Tier = "light"
)

var ErrUnsupportedExtension = errors.New("unsupported file extension")

var inputExtensions = map[MediaType][]string{
	Video: {".mp4", ".mkv", ".webm", ".avi", ".mov", ".m4v", ".flv", ".wmv", ".ts", ".mpeg", ".mpg", ".3gp"},
	Audio: {".mp3", ".wav", ".flac", ".aac", ".ogg", ".opus", ".m4a", ".wma", ".aiff"},
	Image: {".jpg", ".jpeg", ".png", ".webp", ".bmp", ".gif", ".tif", ".tiff"},
}

var outputFormats = map[Operation]map[MediaType][]string{
	OpDownload: {
		Video: {"mp4", "mkv", "webm", "avi"},
		Audio: {"mp3", "wav", "flac", "aac", "opus", "m4a"},
	},
	OpCompress: {
		Video: {"mp4", "mkv", "webm"},
	},
	OpConvert: {
		Video: {"mp4", "mkv", "webm", "avi", "mov", "m4v"},
		Audio: {"mp3", "wav", "flac", "aac", "ogg", "opus", "m4a"},
		Image: {"jpg", "jpeg", "png", "webp", "bmp"},
	},
}

// AudioBitrates are the accepted audio extraction qualities in kbit/s.
var AudioBitrates = []string{"320", "256", "192", "128"}

func ParseMediaType(s string) (MediaType, bool) {
	switch mt := MediaType(strings.ToLower(strings.TrimSpace(s))); mt {
	case Video, Audio, Image:
		return mt, true
	}
	return "", false
}

func ParseTier(s string) (Tier, bool) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierHigh, TierBalanced, TierLight:
		return t, true
	}
	return "", false
}

// InputExtensions lists the extensions accepted as input for op on mt.
// Compression only takes video input.
func InputExtensions(op Operation, mt MediaType) []string {
	if op == OpCompress && mt != Video {
		return nil
	}
	if op == OpDownload {
		return nil
	}
	return inputExtensions[mt]
}

// OutputFormats lists the container/format names op can produce for mt.
func OutputFormats(op Operation, mt MediaType) []string {
	return outputFormats[op][mt]
}

// DefaultFormat is the first listed output format for op on mt.
func DefaultFormat(op Operation, mt MediaType) string {
	formats := OutputFormats(op, mt)
	if len(formats) == 0 {
		return ""
	}
	return formats[0]
}

func SupportsOutput(op Operation, mt MediaType, format string) bool {
	return contains(OutputFormats(op, mt), strings.ToLower(strings.TrimPrefix(format, ".")))
}

// DetectMediaType guesses the media type from a file extension.
func DetectMediaType(path string) (MediaType, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, mt := range []MediaType{Video, Audio, Image} {
		if contains(inputExtensions[mt], ext) {
			return mt, true
		}
	}
	return "", false
}

// CheckExtension rejects paths whose extension is not accepted by op. An
// empty mt accepts any media type op supports.
func CheckExtension(path string, op Operation, mt MediaType) error {
	ext := strings.ToLower(filepath.Ext(path))
	var allowed []string
	if mt == "" {
		for _, candidate := range []MediaType{Video, Audio, Image} {
			allowed = append(allowed, InputExtensions(op, candidate)...)
		}
	} else {
		allowed = InputExtensions(op, mt)
	}
	if len(allowed) == 0 {
		return fmt.Errorf("%w: %s does not accept %s files", ErrUnsupportedExtension, op, mt)
	}
	if ext == "" {
		return fmt.Errorf("%w: file has no extension, expected one of %s", ErrUnsupportedExtension, strings.Join(allowed, ", "))
	}
	if !contains(allowed, ext) {
		return fmt.Errorf("%w: %q is not supported for %s, expected one of %s", ErrUnsupportedExtension, ext, op, strings.Join(allowed, ", "))
	}
	return nil
}

// DetectPlatform names the hosting site of a media URL.
func DetectPlatform(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "other"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case matchesHost(host, "youtube.com", "youtu.be"):
		return "youtube"
	case matchesHost(host, "tiktok.com"):
		return "tiktok"
	case matchesHost(host, "instagram.com"):
		return "instagram"
	case matchesHost(host, "facebook.com", "fb.watch"):
		return "facebook"
	case matchesHost(host, "twitter.com", "x.com"):
		return "twitter"
	case matchesHost(host, "twitch.tv"):
		return "twitch"
	}
	return "other"
}

func matchesHost(host string, domains ...string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
