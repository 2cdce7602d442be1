// Package config loads the service configuration using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. LABCAP_SERVER_LISTEN.
const EnvPrefix = "LABCAP"

// Config is the top-level service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	NATS    NATSConfig    `mapstructure:"nats" yaml:"nats"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AllowedOrigins lists WebSocket origins; empty allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// CaptureConfig configures the capture engine.
type CaptureConfig struct {
	DataDir          string        `mapstructure:"data_dir" yaml:"data_dir"`
	SnapLen          int           `mapstructure:"snaplen" yaml:"snaplen"`
	Promiscuous      bool          `mapstructure:"promiscuous" yaml:"promiscuous"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	PageSize         int           `mapstructure:"page_size" yaml:"page_size"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	// Interfaces maps capture keys to devices. Keys are matched in lower case.
	Interfaces        map[string]string `mapstructure:"interfaces" yaml:"interfaces"`
	DefaultInterface  string            `mapstructure:"default_interface" yaml:"default_interface"`
	WirelessInterface string            `mapstructure:"wireless_interface" yaml:"wireless_interface"`
}

// NATSConfig configures lifecycle event publishing.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	// RelayLimits routes engine limit notices through NATS instead of
	// delivering them in process.
	RelayLimits bool `mapstructure:"relay_limits" yaml:"relay_limits"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string     `mapstructure:"level" yaml:"level"`
	Format string     `mapstructure:"format" yaml:"format"`
	File   FileConfig `mapstructure:"file" yaml:"file"`
}

// FileConfig configures the rotated log file.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Load reads path, applies LABCAP_* environment overrides and defaults, and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("capture.data_dir", "/var/lib/labcap")
	v.SetDefault("capture.snaplen", 65535)
	v.SetDefault("capture.promiscuous", true)
	v.SetDefault("capture.read_timeout", "100ms")
	v.SetDefault("capture.page_size", 100)
	v.SetDefault("capture.progress_interval", "1s")
	v.SetDefault("capture.default_interface", "")
	v.SetDefault("capture.wireless_interface", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "labcap")
	v.SetDefault("nats.relay_limits", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "/var/log/labcap/labcap.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)
}

// maxPageSize mirrors the session registry's page ceiling.
const maxPageSize = 1000

// ValidateAndApplyDefaults validates the configuration and fills runtime
// defaults that depend on other fields.
func (cfg *Config) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.file.enabled=true")
	}

	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	if cfg.Capture.DataDir == "" {
		return fmt.Errorf("capture.data_dir is required")
	}
	if cfg.Capture.SnapLen <= 0 || cfg.Capture.SnapLen > 262144 {
		return fmt.Errorf("capture.snaplen must be between 1 and 262144, got %d", cfg.Capture.SnapLen)
	}
	if cfg.Capture.PageSize < 1 || cfg.Capture.PageSize > maxPageSize {
		return fmt.Errorf("capture.page_size must be between 1 and %d, got %d", maxPageSize, cfg.Capture.PageSize)
	}
	if cfg.Capture.ReadTimeout <= 0 {
		return fmt.Errorf("capture.read_timeout must be positive")
	}
	if cfg.Capture.ProgressInterval <= 0 {
		return fmt.Errorf("capture.progress_interval must be positive")
	}
	if cfg.Capture.Interfaces == nil {
		cfg.Capture.Interfaces = map[string]string{}
	}

	if cfg.NATS.Enabled {
		if cfg.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when nats.enabled=true")
		}
		if cfg.NATS.SubjectPrefix == "" {
			return fmt.Errorf("nats.subject_prefix is required when nats.enabled=true")
		}
	}
	if cfg.NATS.RelayLimits && !cfg.NATS.Enabled {
		return fmt.Errorf("nats.relay_limits requires nats.enabled=true")
	}
	return nil
}

// Dump renders the effective configuration as YAML.
func (cfg *Config) Dump() ([]byte, error) {
	return yaml.Marshal(cfg)
}
