// Package config loads and validates the service configuration.
//
// Sources, later ones winning: built-in defaults, an optional settings file
// named by SP_CONFIG_FILE (yaml, json or toml), and SP_* environment
// variables. A .env file (SP_ENV_FILE, default ".env") is loaded into the
// environment first when present; it never overrides variables already set.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SP"

// DefaultPIN is the out-of-the-box upload PIN.
const DefaultPIN = "1234"

// Config holds every setting.
type Config struct {
	Port    int    `mapstructure:"port" validate:"min=1,max=65535"`
	DataDir string `mapstructure:"data_dir" validate:"required"`
	// PIN guards upload, delete and maintenance.
	PIN string `mapstructure:"pin" validate:"required,min=4,max=64"`

	MaxUploadSize int64 `mapstructure:"max_upload_size" validate:"gt=0"`
	MaxWidth      int   `mapstructure:"max_width" validate:"min=16,max=16384"`
	MaxHeight     int   `mapstructure:"max_height" validate:"min=16,max=16384"`
	JPEGQuality   int   `mapstructure:"jpeg_quality" validate:"min=1,max=100"`
	// ImageWorkers bounds concurrent image transforms; 0 means GOMAXPROCS.
	ImageWorkers int `mapstructure:"image_workers" validate:"min=0,max=256"`

	FFmpegPath       string        `mapstructure:"ffmpeg_path" validate:"required"`
	TranscodeTimeout time.Duration `mapstructure:"transcode_timeout" validate:"gt=0"`
	TranscodeWorkers int           `mapstructure:"transcode_workers" validate:"min=1,max=64"`
	// ScratchDir holds ffmpeg input copies; empty means the OS temp dir.
	ScratchDir string `mapstructure:"scratch_dir"`

	// ReconcileInterval of 0 runs reconcile at startup only.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" validate:"gte=0"`
	TmpMaxAge         time.Duration `mapstructure:"tmp_max_age" validate:"gt=0"`

	PINMaxFailures int           `mapstructure:"pin_max_failures" validate:"min=1,max=1000"`
	PINLockout     time.Duration `mapstructure:"pin_lockout" validate:"gt=0"`

	CORSOrigins     []string      `mapstructure:"cors_origins" validate:"dive,required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`

	LogLevelName string     `mapstructure:"log_level"`
	LogFormat    string     `mapstructure:"log_format" validate:"oneof=json text"`
	LogLevel     slog.Level `mapstructure:"-"`
}

// defaults lists every key with its default; viper only unmarshals keys it
// knows about, so each key must appear here to be settable from the
// environment.
var defaults = map[string]any{
	"port":               8080,
	"data_dir":           "./data/uploads",
	"pin":                DefaultPIN,
	"max_upload_size":    int64(500 << 20),
	"max_width":          2560,
	"max_height":         1440,
	"jpeg_quality":       85,
	"image_workers":      0,
	"ffmpeg_path":        "ffmpeg",
	"transcode_timeout":  "300s",
	"transcode_workers":  2,
	"scratch_dir":        "",
	"reconcile_interval": "6h",
	"tmp_max_age":        "1h",
	"pin_max_failures":   5,
	"pin_lockout":        "15m",
	"cors_origins":       []string{"*"},
	"shutdown_timeout":   "30s",
	"tracing_enabled":    false,
	"log_level":          "info",
	"log_format":         "json",
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	envFile := os.Getenv(EnvPrefix + "_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if file := os.Getenv(EnvPrefix + "_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	level, err := parseLogLevel(cfg.LogLevelName)
	if err != nil {
		return nil, fmt.Errorf("%s_LOG_LEVEL: %w", EnvPrefix, err)
	}
	cfg.LogLevel = level
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and reports the first failing key by
// its environment variable name.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return envName(f.Tag.Get("mapstructure"))
	})

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%s: value %v fails %q", fe.Field(), fe.Value(), fe.ActualTag()+paramSuffix(fe.Param()))
	}
	return fmt.Errorf("validate config: %w", err)
}

// UsesDefaultPIN reports whether the PIN was left at its default.
func (c *Config) UsesDefaultPIN() bool {
	return c.PIN == DefaultPIN
}

// SetupLogger builds the process logger from the configuration and installs
// it as the slog default.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// loadDotEnv loads path into the environment when it exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func envName(key string) string {
	if key == "" || key == "-" {
		return ""
	}
	return EnvPrefix + "_" + strings.ToUpper(key)
}

func paramSuffix(param string) string {
	if param == "" {
		return ""
	}
	return "=" + param
}

// parseLogLevel maps a level name to slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid level %q, allowed: debug, info, warn, error", level)
	}
}
