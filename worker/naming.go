package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const maxTitleBytes = 200

var (
	reInvalidName = regexp.MustCompile(`[\\/:*?"<>|]`)
	reControl     = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// SanitizeFilename makes a title safe to use as a file name on every
// platform.
func SanitizeFilename(name string) string {
	s := reInvalidName.ReplaceAllString(name, "_")
	s = reControl.ReplaceAllString(s, "")
	if len(s) > maxTitleBytes {
		s = s[:maxTitleBytes]
		for !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ".")
	return s
}

// uniquePath returns dir/base+suffix.ext, or the first free variant with a
// numeric suffix. When every variant is taken the unix time is used.
func uniquePath(dir, base, suffix, ext string) string {
	stem := base + suffix
	candidate := filepath.Join(dir, fmt.Sprintf("%s.%s", stem, ext))
	if !exists(candidate) {
		return candidate
	}
	for i := 2; i < 50; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d.%s", stem, i, ext))
		if !exists(candidate) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%d.%s", stem, time.Now().Unix(), ext))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
