// Package config loads the engine's runtime configuration via viper,
// following the teacher's TOML-file-plus-defaults convention.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/nullstream/imgpull/pkg/bytesize"
	"github.com/nullstream/imgpull/pkg/duration"
)

// Config is the engine's full runtime configuration.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
}

// ServerConfig configures the Control API/WS listener and on-disk layout.
type ServerConfig struct {
	Address            string `mapstructure:"address"`
	DownloadsRoot      string `mapstructure:"downloads_root"`
	MaxRequestBodySize string `mapstructure:"max_request_body_size"`
	ShutdownTimeout    string `mapstructure:"shutdown_timeout"`
}

// MaxRequestBodyBytes parses ServerConfig.MaxRequestBodySize, already
// validated by validate() at Load time.
func (s ServerConfig) MaxRequestBodyBytes() int64 {
	n, _ := bytesize.Parse(s.MaxRequestBodySize)
	return n
}

// ShutdownTimeoutDuration parses ServerConfig.ShutdownTimeout, already
// validated by validate() at Load time.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	d, _ := duration.Parse(s.ShutdownTimeout)
	return d
}

// SchedulerConfig bounds concurrency and the retry budget (spec.md §5).
type SchedulerConfig struct {
	NTasks         int  `mapstructure:"n_tasks"`
	NBlobs         int  `mapstructure:"n_blobs"`
	MaxRetries     int  `mapstructure:"max_retries"`
	RetainOnCancel bool `mapstructure:"retain_on_cancel"`
}

// LoggingConfig configures zerowrap's underlying zerolog level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// SourceConfig describes one named registry source beyond the three
// built-ins (dockerhub, quay, ghcr), which are wired with no config
// required (SPEC_FULL §4.1a).
type SourceConfig struct {
	Host      string `mapstructure:"host"`
	URLScheme string `mapstructure:"url_scheme"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

var validLogLevels = []string{"trace", "debug", "info", "warn", "error"}

// Load reads configuration from whatever file viper has been pointed
// at (see cmd/root.go's initConfig), applying defaults for anything
// left unset.
func Load() (*Config, error) {
	var cfg Config

	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.downloads_root", defaultDownloadsRoot())
	viper.SetDefault("server.max_request_body_size", "64KB")
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("scheduler.n_tasks", 3)
	viper.SetDefault("scheduler.n_blobs", 5)
	viper.SetDefault("scheduler.max_retries", 3)
	viper.SetDefault("scheduler.retain_on_cancel", true)
	viper.SetDefault("logging.level", "info")

	if err := viper.UnmarshalKey("server", &cfg.Server); err != nil {
		return nil, fmt.Errorf("unable to decode server config: %w", err)
	}
	if err := viper.UnmarshalKey("scheduler", &cfg.Scheduler); err != nil {
		return nil, fmt.Errorf("unable to decode scheduler config: %w", err)
	}
	if err := viper.UnmarshalKey("logging", &cfg.Logging); err != nil {
		return nil, fmt.Errorf("unable to decode logging config: %w", err)
	}
	if err := viper.UnmarshalKey("sources", &cfg.Sources); err != nil {
		return nil, fmt.Errorf("unable to decode sources config: %w", err)
	}

	if cfg.Server.DownloadsRoot == "" {
		cfg.Server.DownloadsRoot = defaultDownloadsRoot()
		log.Debug().Str("downloads_root", cfg.Server.DownloadsRoot).Msg("config had empty downloads_root, using default")
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Scheduler.NTasks <= 0 {
		return fmt.Errorf("scheduler.n_tasks must be positive")
	}
	if cfg.Scheduler.NBlobs <= 0 {
		return fmt.Errorf("scheduler.n_blobs must be positive")
	}
	if cfg.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}
	if _, err := bytesize.Parse(cfg.Server.MaxRequestBodySize); err != nil {
		return fmt.Errorf("server.max_request_body_size: %w", err)
	}
	if _, err := duration.Parse(cfg.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("server.shutdown_timeout: %w", err)
	}

	valid := false
	for _, l := range validLogLevels {
		if cfg.Logging.Level == l {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("logging.level must be one of: %s", strings.Join(validLogLevels, ", "))
	}

	for name, src := range cfg.Sources {
		if src.Host == "" {
			return fmt.Errorf("sources.%s.host is required", name)
		}
	}
	return nil
}

// defaultDownloadsRoot mirrors the teacher's rootless-vs-root data
// directory convention (internal/config/config.go's getDefaultDataDir).
func defaultDownloadsRoot() string {
	if os.Getuid() != 0 {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, ".local/share/imgpull/downloads")
		}
	}
	return "./downloads"
}
