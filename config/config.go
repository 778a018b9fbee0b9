// mediajobs/config/config.go
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	YTDLPBin       string        `mapstructure:"YTDLP_BIN"`
	FFmpegBin      string        `mapstructure:"FFMPEG_BIN"`
	FFprobeBin     string        `mapstructure:"FFPROBE_BIN"`
	YTDLPExtraArgs string        `mapstructure:"YTDLP_EXTRA_ARGS"`
	JobTimeout     time.Duration `mapstructure:"JOB_TIMEOUT"`
	InfoTimeout    time.Duration `mapstructure:"INFO_TIMEOUT"`
	HealthTimeout  time.Duration `mapstructure:"HEALTH_TIMEOUT"`
	HealthCache    time.Duration `mapstructure:"HEALTH_CACHE"`
	CancelGrace    time.Duration `mapstructure:"CANCEL_GRACE"`
	RetainFinished time.Duration `mapstructure:"RETAIN_FINISHED"`
	// MaxConcurrency caps simultaneously running jobs. Zero means unbounded.
	MaxConcurrency   int     `mapstructure:"MAX_CONCURRENCY"`
	MaxInputSize     int64   `mapstructure:"MAX_INPUT_SIZE"`
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`
	OutputDir        string  `mapstructure:"OUTPUT_DIR"`
	DataDir          string  `mapstructure:"DATA_DIR"`
	HistoryLimit     int     `mapstructure:"HISTORY_LIMIT"`
	AuthEnable       bool    `mapstructure:"AUTH_ENABLE"`
	AuthKey          string  `mapstructure:"AUTH_KEY"`
	Host             string  `mapstructure:"HOST"`
	Port             string  `mapstructure:"PORT"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("FFMPEG_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("YTDLP_EXTRA_ARGS", "")
	vp.SetDefault("JOB_TIMEOUT", "6h")
	vp.SetDefault("INFO_TIMEOUT", "45s")
	vp.SetDefault("HEALTH_TIMEOUT", "5s")
	vp.SetDefault("HEALTH_CACHE", "5s")
	vp.SetDefault("CANCEL_GRACE", "5s")
	vp.SetDefault("RETAIN_FINISHED", "1h")
	vp.SetDefault("MAX_CONCURRENCY", 0)
	vp.SetDefault("MAX_INPUT_SIZE", "50GB")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "64MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("OUTPUT_DIR", defaultOutputDir())
	vp.SetDefault("DATA_DIR", defaultDataDir())
	vp.SetDefault("HISTORY_LIMIT", 50)
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("HOST", "127.0.0.1")
	vp.SetDefault("PORT", "8765")

	// Load from config file
	vp.SetConfigName("mediajobs_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/mediajobs/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("MEDIAJOBS")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	cfg.OutputDir = expandHome(cfg.OutputDir)
	cfg.DataDir = expandHome(cfg.DataDir)

	return &cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func defaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mediajobs")
	}
	return filepath.Join(home, "Downloads", "mediajobs")
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mediajobs")
	}
	return filepath.Join(dir, "mediajobs")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
