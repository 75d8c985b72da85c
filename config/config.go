// ytrim/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	StorageLocal = "local"
	StorageMinIO = "minio"
)

type Config struct {
	YtdlpBin         string        `mapstructure:"YTDLP_BIN"`
	FFmpegLocation   string        `mapstructure:"FFMPEG_LOCATION"`
	YtdlpExtraArgs   string        `mapstructure:"YTDLP_EXTRA_ARGS"`
	ResolveTimeout   time.Duration `mapstructure:"RESOLVE_TIMEOUT"`
	FetchTimeout     time.Duration `mapstructure:"FETCH_TIMEOUT"`
	CancelGrace      time.Duration `mapstructure:"CANCEL_GRACE"`
	Retention        time.Duration `mapstructure:"RETENTION"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`
	MaxConcurrency   int           `mapstructure:"MAX_CONCURRENCY"`
	SubscriberBuffer int           `mapstructure:"SUBSCRIBER_BUFFER"`
	ThrottleCPU      float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64         `mapstructure:"THROTTLE_FREEDISK"`
	SourceHosts      []string      `mapstructure:"SOURCE_HOSTS"`
	AuthEnable       bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey          string        `mapstructure:"AUTH_KEY"`
	Port             string        `mapstructure:"PORT"`
	BaseURL          string        `mapstructure:"BASE"`
	WorkDir          string        `mapstructure:"WORK_DIR"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	LogFormat        string        `mapstructure:"LOG_FORMAT"`
	Storage          string        `mapstructure:"STORAGE"`
	MinIOEndpoint    string        `mapstructure:"MINIO_ENDPOINT"`
	MinIOAccessKey   string        `mapstructure:"MINIO_ACCESS_KEY"`
	MinIOSecretKey   string        `mapstructure:"MINIO_SECRET_KEY"`
	MinIOBucket      string        `mapstructure:"MINIO_BUCKET"`
	MinIOUseSSL      bool          `mapstructure:"MINIO_USE_SSL"`
	MinIOPrefix      string        `mapstructure:"MINIO_PREFIX"`
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
	vp.SetDefault("FFMPEG_LOCATION", "")
	vp.SetDefault("YTDLP_EXTRA_ARGS", "")
	vp.SetDefault("RESOLVE_TIMEOUT", "30s")
	vp.SetDefault("FETCH_TIMEOUT", "10m")
	vp.SetDefault("CANCEL_GRACE", "5s")
	vp.SetDefault("RETENTION", "1h")
	vp.SetDefault("SWEEP_INTERVAL", "0s")
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("SUBSCRIBER_BUFFER", 16)
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("SOURCE_HOSTS", "youtube.com,youtu.be")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("PORT", "2000")
	vp.SetDefault("BASE", "")
	vp.SetDefault("WORK_DIR", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "json")
	vp.SetDefault("STORAGE", StorageLocal)
	vp.SetDefault("MINIO_ENDPOINT", "")
	vp.SetDefault("MINIO_ACCESS_KEY", "")
	vp.SetDefault("MINIO_SECRET_KEY", "")
	vp.SetDefault("MINIO_BUCKET", "ytrim")
	vp.SetDefault("MINIO_USE_SSL", false)
	vp.SetDefault("MINIO_PREFIX", "artifacts")

	// Load from config file
	vp.SetConfigName("ytrim_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/ytrim/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("YTRIM")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, err
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	if c.SweepInterval <= 0 && c.Retention > 0 {
		c.SweepInterval = c.Retention / 4 // Check 4 times per retention window
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "ytrim")
	}
	hosts := c.SourceHosts[:0]
	for _, h := range c.SourceHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	c.SourceHosts = hosts
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ResolveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RESOLVE_TIMEOUT must be positive, got %s", c.ResolveTimeout))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout))
	}
	if c.CancelGrace <= 0 {
		errs = append(errs, fmt.Errorf("CANCEL_GRACE must be positive, got %s", c.CancelGrace))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("RETENTION must be positive, got %s", c.Retention))
	}
	if c.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency))
	}
	if len(c.SourceHosts) == 0 {
		errs = append(errs, errors.New("SOURCE_HOSTS must list at least one host"))
	}
	if c.AuthEnable && c.AuthKey == "" {
		errs = append(errs, errors.New("AUTH_KEY is required when AUTH_ENABLE is set"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unsupported value %q", c.LogFormat))
	}
	switch c.Storage {
	case StorageLocal:
	case StorageMinIO:
		if c.MinIOEndpoint == "" || c.MinIOBucket == "" {
			errs = append(errs, errors.New("MINIO_ENDPOINT and MINIO_BUCKET are required for minio storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE: unsupported value %q", c.Storage))
	}
	return errors.Join(errs...)
}
