// Package config loads applink settings from defaults, an optional YAML
// file, APPLINK_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/applinkdev/applink/internal/auth"
	"github.com/applinkdev/applink/internal/link/watch"
	"github.com/applinkdev/applink/internal/state"
	"github.com/applinkdev/applink/internal/updater"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes environment overrides: link.debounce is read from
// APPLINK_LINK_DEBOUNCE.
const EnvPrefix = "APPLINK"

// Config is the decoded configuration.
type Config struct {
	Builder  Endpoint       `mapstructure:"builder"`
	Events   Endpoint       `mapstructure:"events"`
	Session  SessionConfig  `mapstructure:"session"`
	State    StateConfig    `mapstructure:"state"`
	Log      LogConfig      `mapstructure:"log"`
	Link     LinkConfig     `mapstructure:"link"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Updaters []updater.Spec `mapstructure:"updaters"`
}

type Endpoint struct {
	URL string `mapstructure:"url"`
}

type SessionConfig struct {
	File string `mapstructure:"file"`
}

type StateConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type LinkConfig struct {
	Debounce        time.Duration `mapstructure:"debounce"`
	Stability       time.Duration `mapstructure:"stability"`
	MaxProjectBytes int64         `mapstructure:"max_project_bytes"`
	MaxChangeBytes  int64         `mapstructure:"max_change_bytes"`
	MaxFileBytes    int64         `mapstructure:"max_file_bytes"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	Retry           RetryConfig   `mapstructure:"retry"`
	BuildTimeout    time.Duration `mapstructure:"build_timeout"`
	Includes        []string      `mapstructure:"includes"`
}

type RetryConfig struct {
	Attempts    int           `mapstructure:"attempts"`
	InitialWait time.Duration `mapstructure:"initial_wait"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

type StreamConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

type RelayConfig struct {
	Port int `mapstructure:"port"`
}

// Loader wraps a viper instance.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader with defaults and environment overrides set up.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("builder.url", "https://builder.applink.dev")
	v.SetDefault("events.url", "https://events.applink.dev")
	v.SetDefault("session.file", auth.DefaultSessionPath())
	v.SetDefault("state.path", state.DefaultPath())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("link.debounce", watch.DefaultDebounce())
	v.SetDefault("link.stability", time.Duration(0))
	v.SetDefault("link.max_project_bytes", int64(100<<20))
	v.SetDefault("link.max_change_bytes", int64(50<<20))
	v.SetDefault("link.max_file_bytes", int64(20<<20))
	v.SetDefault("link.attempt_timeout", 30*time.Second)
	v.SetDefault("link.retry.attempts", 3)
	v.SetDefault("link.retry.initial_wait", 500*time.Millisecond)
	v.SetDefault("link.retry.multiplier", 2.0)
	v.SetDefault("link.build_timeout", 10*time.Minute)
	v.SetDefault("link.includes", []string{})

	v.SetDefault("stream.heartbeat_timeout", 45*time.Second)
	v.SetDefault("stream.max_retries", 3)
	v.SetDefault("stream.retry_delay", time.Second)

	v.SetDefault("relay.port", 0)
}

// BindFlag makes flag override key when it was set on the command line.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind for %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads file, or the default config file when file is empty and one
// exists, and decodes the result.
func (l *Loader) Load(file string) (*Config, error) {
	switch {
	case file != "":
		l.v.SetConfigFile(file)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	default:
		if path := DefaultPath(); path != "" {
			if _, err := os.Stat(path); err == nil {
				l.v.SetConfigFile(path)
				if err := l.v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("failed to read config %s: %w", path, err)
				}
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file Load read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// DefaultPath returns $XDG_CONFIG_HOME/applink/config.yaml or the platform
// equivalent, or "" when there is no config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "applink", "config.yaml")
}

// Validate checks the decoded values.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{"builder.url": c.Builder.URL, "events.url": c.Events.URL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s must be an absolute URL, got %q", ErrInvalid, name, raw)
		}
	}
	if c.Link.Debounce < 0 || c.Link.Stability < 0 {
		return fmt.Errorf("%w: link.debounce and link.stability cannot be negative", ErrInvalid)
	}
	if c.Link.MaxFileBytes > 0 && c.Link.MaxProjectBytes > 0 && c.Link.MaxFileBytes > c.Link.MaxProjectBytes {
		return fmt.Errorf("%w: link.max_file_bytes exceeds link.max_project_bytes", ErrInvalid)
	}
	if c.Link.Retry.Attempts < 1 {
		return fmt.Errorf("%w: link.retry.attempts must be at least 1", ErrInvalid)
	}
	if c.Link.Retry.Multiplier < 1 {
		return fmt.Errorf("%w: link.retry.multiplier must be at least 1", ErrInvalid)
	}
	if c.Stream.MaxRetries < 0 {
		return fmt.Errorf("%w: stream.max_retries cannot be negative", ErrInvalid)
	}
	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("%w: relay.port %d out of range", ErrInvalid, c.Relay.Port)
	}
	for i, u := range c.Updaters {
		if u.Name == "" {
			return fmt.Errorf("%w: updaters[%d] has no name", ErrInvalid, i)
		}
	}
	return nil
}
