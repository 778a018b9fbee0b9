package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mediajobs/media"
	"mediajobs/task"

	"gopkg.in/yaml.v2"
)

const settingsFileName = "settings.yaml"

var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the user's last-used choices.
type Settings struct {
	OutputDir      string    `yaml:"output_dir" json:"outputDir"`
	VideoFormat    string    `yaml:"video_format" json:"videoFormat"`
	VideoQuality   string    `yaml:"video_quality" json:"videoQuality"`
	AudioFormat    string    `yaml:"audio_format" json:"audioFormat"`
	AudioQuality   string    `yaml:"audio_quality" json:"audioQuality"`
	CompressPreset string    `yaml:"compress_preset" json:"compressPreset"`
	CompressFormat string    `yaml:"compress_format" json:"compressFormat"`
	ConvertQuality string    `yaml:"convert_quality" json:"convertQuality"`
	UseGPU         bool      `yaml:"use_gpu" json:"useGpu"`
	Theme          string    `yaml:"theme" json:"theme"`
	UpdatedAt      time.Time `yaml:"updated_at" json:"updatedAt"`
}

var themes = []string{"system", "light", "dark"}

// DefaultSettings returns the settings used before anything was saved.
func DefaultSettings(outputDir string) Settings {
	return Settings{
		OutputDir:      outputDir,
		VideoFormat:    media.DefaultFormat(media.OpDownload, media.Video),
		VideoQuality:   "best",
		AudioFormat:    media.DefaultFormat(media.OpDownload, media.Audio),
		AudioQuality:   media.AudioBitrates[0],
		CompressPreset: string(media.TierHigh),
		CompressFormat: media.DefaultFormat(media.OpCompress, media.Video),
		ConvertQuality: string(media.TierBalanced),
		Theme:          "system",
	}
}

// withDefaults fills empty fields from d.
func (s Settings) withDefaults(d Settings) Settings {
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&s.OutputDir, d.OutputDir)
	fill(&s.VideoFormat, d.VideoFormat)
	fill(&s.VideoQuality, d.VideoQuality)
	fill(&s.AudioFormat, d.AudioFormat)
	fill(&s.AudioQuality, d.AudioQuality)
	fill(&s.CompressPreset, d.CompressPreset)
	fill(&s.CompressFormat, d.CompressFormat)
	fill(&s.ConvertQuality, d.ConvertQuality)
	fill(&s.Theme, d.Theme)
	return s
}

func (s Settings) Validate() error {
	switch {
	case !media.SupportsOutput(media.OpDownload, media.Video, s.VideoFormat):
		return fmt.Errorf("%w: video format %q", ErrInvalidSettings, s.VideoFormat)
	case !media.SupportsOutput(media.OpDownload, media.Audio, s.AudioFormat):
		return fmt.Errorf("%w: audio format %q", ErrInvalidSettings, s.AudioFormat)
	case !media.SupportsOutput(media.OpCompress, media.Video, s.CompressFormat):
		return fmt.Errorf("%w: compress format %q", ErrInvalidSettings, s.CompressFormat)
	case !validTier(s.CompressPreset):
		return fmt.Errorf("%w: compress preset %q", ErrInvalidSettings, s.CompressPreset)
	case !validTier(s.ConvertQuality):
		return fmt.Errorf("%w: convert quality %q", ErrInvalidSettings, s.ConvertQuality)
	case !oneOf(media.AudioBitrates, s.AudioQuality):
		return fmt.Errorf("%w: audio quality %q", ErrInvalidSettings, s.AudioQuality)
	case !oneOf(themes, s.Theme):
		return fmt.Errorf("%w: theme %q", ErrInvalidSettings, s.Theme)
	case !filepath.IsAbs(s.OutputDir):
		return fmt.Errorf("%w: output directory must be absolute, got %q", ErrInvalidSettings, s.OutputDir)
	}
	return nil
}

func validTier(v string) bool {
	_, ok := media.ParseTier(v)
	return ok
}

func oneOf(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// SettingsFile stores Settings as YAML.
type SettingsFile struct {
	path     string
	defaults Settings
	mu       sync.Mutex
}

func NewSettingsFile(dataDir string, defaults Settings) *SettingsFile {
	return &SettingsFile{path: filepath.Join(dataDir, settingsFileName), defaults: defaults}
}

// Load returns the saved settings merged over the defaults. A missing file
// yields the defaults.
func (f *SettingsFile) Load() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f.defaults, nil
		}
		return Settings{}, fmt.Errorf("open settings %s: %w", f.path, err)
	}
	defer file.Close()

	var s Settings
	if err := yaml.NewDecoder(file).Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return f.defaults, nil
		}
		return Settings{}, fmt.Errorf("parse settings %s: %w", f.path, err)
	}
	return s.withDefaults(f.defaults), nil
}

// Save validates s, stamps it and writes it. The stored value is returned.
func (f *SettingsFile) Save(s Settings) (Settings, error) {
	s = s.withDefaults(f.defaults)
	s.VideoFormat = strings.ToLower(s.VideoFormat)
	s.AudioFormat = strings.ToLower(s.AudioFormat)
	s.CompressFormat = strings.ToLower(s.CompressFormat)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	s.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	data, err := yaml.Marshal(s)
	if err != nil {
		return Settings{}, fmt.Errorf("marshal settings: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := replaceFile(f.path, data); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Defaults exposes the saved choices as job submission defaults.
func (f *SettingsFile) Defaults() (task.Defaults, error) {
	s, err := f.Load()
	if err != nil {
		return task.Defaults{}, err
	}
	return task.Defaults{
		OutputDir:      s.OutputDir,
		VideoFormat:    s.VideoFormat,
		VideoQuality:   s.VideoQuality,
		AudioFormat:    s.AudioFormat,
		AudioQuality:   s.AudioQuality,
		CompressFormat: s.CompressFormat,
		CompressPreset: s.CompressPreset,
		ConvertQuality: s.ConvertQuality,
	}, nil
}
