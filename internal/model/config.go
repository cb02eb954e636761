package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIConfig holds REST endpoint settings.
type APIConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	Debug      bool   `mapstructure:"debug" yaml:"debug"`
}

// Timeout returns the per-request timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// RealtimeConfig holds push channel settings.
type RealtimeConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	MaxBackoffSec int    `mapstructure:"max_backoff_sec" yaml:"max_backoff_sec"`
}

// AuthConfig holds session settings.
type AuthConfig struct {
	RefreshTimeoutSec int `mapstructure:"refresh_timeout_sec" yaml:"refresh_timeout_sec"`
}

// NotificationsConfig controls the baseline fetch and periodic resync.
type NotificationsConfig struct {
	PageSize        int `mapstructure:"page_size" yaml:"page_size"`
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// CacheConfig locates the local notification cache. An empty path
// disables caching.
type CacheConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DisplayConfig holds UI/rendering preferences.
type DisplayConfig struct {
	Theme string `mapstructure:"theme" yaml:"theme"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// MetricsConfig enables the Prometheus listener when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	API           APIConfig           `mapstructure:"api" yaml:"api"`
	Realtime      RealtimeConfig      `mapstructure:"realtime" yaml:"realtime"`
	Auth          AuthConfig          `mapstructure:"auth" yaml:"auth"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	Cache         CacheConfig         `mapstructure:"cache" yaml:"cache"`
	Display       DisplayConfig       `mapstructure:"display" yaml:"display"`
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Metrics       MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
}

// configDir returns ~/.config/familytree, or "." when the home
// directory cannot be resolved.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "familytree")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/familytree/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// setDefaults registers every default so missing keys resolve to
// sensible values and env overrides are picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:5000/api")
	v.SetDefault("api.timeout_sec", 10)
	v.SetDefault("api.debug", false)
	v.SetDefault("realtime.url", "ws://localhost:5000/ws")
	v.SetDefault("realtime.max_backoff_sec", 30)
	v.SetDefault("auth.refresh_timeout_sec", 10)
	v.SetDefault("notifications.page_size", 20)
	v.SetDefault("notifications.poll_interval_sec", 300)
	v.SetDefault("cache.path", filepath.Join(configDir(), "cache.db"))
	v.SetDefault("display.theme", "default")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.addr", "")
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// FAMILYTREE_* environment variables override file values. If the file
// does not exist, defaults (plus env overrides) are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("familytree")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.API.TimeoutSec <= 0 {
		cfg.API.TimeoutSec = 10
	}
	if cfg.Auth.RefreshTimeoutSec <= 0 {
		cfg.Auth.RefreshTimeoutSec = 10
	}
	if cfg.Notifications.PageSize <= 0 {
		cfg.Notifications.PageSize = 20
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("api", cfg.API)
	v.Set("realtime", cfg.Realtime)
	v.Set("auth", cfg.Auth)
	v.Set("notifications", cfg.Notifications)
	v.Set("cache", cfg.Cache)
	v.Set("display", cfg.Display)
	v.Set("log", cfg.Log)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
