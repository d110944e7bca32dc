// Package config resolves qaml settings from defaults, an optional qaml.yaml,
// a .env file, QAML_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key: api_key → QAML_API_KEY.
const EnvPrefix = "QAML"

// ErrMissingAPIKey is returned by Validate when no API key was resolved.
var ErrMissingAPIKey = errors.New("Please set the QAML_API_KEY environment variable")

// Config is the fully resolved application configuration.
type Config struct {
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	AppiumURL string `mapstructure:"appium_url" yaml:"appium_url"`

	// Platform forces "android" or "ios"; empty means auto-detect.
	Platform  string `mapstructure:"platform" yaml:"platform"`
	UDID      string `mapstructure:"udid" yaml:"udid"`
	SessionID string `mapstructure:"session_id" yaml:"session_id"`

	UseMJPEG          bool          `mapstructure:"use_mjpeg" yaml:"use_mjpeg"`
	IncludeElements   bool          `mapstructure:"include_elements" yaml:"include_elements"`
	MaxSteps          int           `mapstructure:"max_steps" yaml:"max_steps"`
	SetupAttempts     int           `mapstructure:"setup_attempts" yaml:"setup_attempts"`
	SetupInterval     time.Duration `mapstructure:"setup_interval" yaml:"setup_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxElapsed        time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	ScreenshotMaxSide int           `mapstructure:"screenshot_max_side" yaml:"screenshot_max_side"`

	RecordingPath string `mapstructure:"recording_path" yaml:"recording_path"`
	HistoryPath   string `mapstructure:"history_path" yaml:"history_path"`
	AuditPath     string `mapstructure:"audit_path" yaml:"audit_path"`

	// Quiet stops the CLI from printing raw decision responses.
	Quiet bool `mapstructure:"quiet" yaml:"quiet"`

	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// cacheDir is where history, audit trail and REPL history live by default.
func cacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qaml"
	}
	return filepath.Join(home, ".cache", "qaml")
}

// SetDefaults initializes default values for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api_key", "")
	v.SetDefault("base_url", "https://api.camelqa.com/v1")
	v.SetDefault("appium_url", "http://localhost:4723")
	v.SetDefault("platform", "")
	v.SetDefault("udid", "")
	v.SetDefault("session_id", "")
	v.SetDefault("use_mjpeg", true)
	v.SetDefault("include_elements", false)
	v.SetDefault("max_steps", 30)
	v.SetDefault("setup_attempts", 3)
	v.SetDefault("setup_interval", "2s")
	v.SetDefault("request_timeout", "120s")
	v.SetDefault("max_elapsed", "2m")
	v.SetDefault("requests_per_second", 0.0)
	v.SetDefault("screenshot_max_side", 960)
	v.SetDefault("recording_path", "")
	v.SetDefault("history_path", filepath.Join(cacheDir(), "history"))
	v.SetDefault("audit_path", filepath.Join(cacheDir(), "audit.jsonl"))
	v.SetDefault("quiet", false)

	v.SetDefault("logger.level", "warn")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "qaml")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Prepare wires v to the config file, .env and QAML_* environment. cfgFile
// overrides the search path when non-empty. A missing config file is not an
// error; a malformed one is.
func Prepare(v *viper.Viper, cfgFile string) error {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load(".env")

	SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("qaml")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "qaml"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}
	return nil
}

// FromViper unmarshals v into a Config without validating it.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid field at once.
//
// Expectations:
//   - Returns ErrMissingAPIKey when APIKey is empty
//   - Lists every other invalid field comma-separated in one error
//   - Rejects a Platform that is neither empty, "android" nor "ios"
//   - Returns nil for NewDefaultConfig() with an API key set
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}
	var bad []string
	if c.BaseURL == "" {
		bad = append(bad, "base_url is required")
	}
	if c.AppiumURL == "" {
		bad = append(bad, "appium_url is required")
	}
	switch strings.ToLower(c.Platform) {
	case "", "android", "ios":
	default:
		bad = append(bad, fmt.Sprintf("platform %q must be android or ios", c.Platform))
	}
	if c.MaxSteps <= 0 {
		bad = append(bad, "max_steps must be a positive integer")
	}
	if c.SetupAttempts <= 0 {
		bad = append(bad, "setup_attempts must be a positive integer")
	}
	if c.ScreenshotMaxSide <= 0 {
		bad = append(bad, "screenshot_max_side must be a positive integer")
	}
	if c.RequestsPerSecond < 0 {
		bad = append(bad, "requests_per_second must not be negative")
	}
	if len(bad) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(bad, ", "))
	}
	return nil
}
