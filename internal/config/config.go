// Package config loads the daemon YAML file and the client endpoint and
// passphrase files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"seedkeeper/go-keystore/internal/adapters/rpc"
	"seedkeeper/go-keystore/internal/platform/endpoint"
	"seedkeeper/go-keystore/internal/session"

	"gopkg.in/yaml.v3"
)

const (
	EnvStorePath     = "SEEDKEEPER_STORE_PATH"
	EnvIPCListen     = "SEEDKEEPER_IPC_LISTEN"
	EnvIdleTimeout   = "SEEDKEEPER_IDLE_TIMEOUT"
	EnvMetricsListen = "SEEDKEEPER_METRICS_LISTEN"
	EnvLogLevel      = "SEEDKEEPER_LOG_LEVEL"
)

// Daemon is the resolved daemon configuration.
type Daemon struct {
	StorePath     string
	Listen        string
	IPC           rpc.Config
	Session       SessionConfig
	MetricsListen string
	LogLevel      string
	LogFormat     string
}

type SessionConfig struct {
	IdleTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DaemonFile mirrors the YAML layout. Zero values leave defaults in place.
type DaemonFile struct {
	Store   StoreSection   `yaml:"store"`
	IPC     IPCSection     `yaml:"ipc"`
	Session SessionSection `yaml:"session"`
	Metrics MetricsSection `yaml:"metrics"`
	Log     LogSection     `yaml:"log"`
}

type StoreSection struct {
	Path string `yaml:"path"`
}

type IPCSection struct {
	Listen         string        `yaml:"listen"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxFrameBytes  int           `yaml:"maxFrameBytes"`
	MaxConnections int           `yaml:"maxConnections"`
	RateLimitRPS   *float64      `yaml:"rateLimitRPS"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`
}

type SessionSection struct {
	// IdleTimeout is a pointer so an explicit 0 (never re-lock) survives Merge.
	IdleTimeout *time.Duration `yaml:"idleTimeout"`
	BackoffBase time.Duration  `yaml:"backoffBase"`
	BackoffMax  time.Duration  `yaml:"backoffMax"`
}

type MetricsSection struct {
	Listen string `yaml:"listen"`
}

type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultDaemon() Daemon {
	return Daemon{
		StorePath: filepath.Join(homeDir(), ".seedkeeper", "store.sealed"),
		Listen:    endpoint.Default().String(),
		IPC:       rpc.DefaultConfig(),
		Session: SessionConfig{
			IdleTimeout: session.DefaultIdleTimeout,
			BackoffBase: session.DefaultBackoffBase,
			BackoffMax:  session.DefaultBackoffMax,
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// DefaultDaemonPath is ~/.seedkeeper/config.yaml.
func DefaultDaemonPath() string {
	return filepath.Join(homeDir(), ".seedkeeper", "config.yaml")
}

// LoadDaemon reads configPath, or DefaultDaemonPath when it is empty, on top
// of the defaults and applies environment overrides. A missing default file
// is not an error; a missing explicit file is.
func LoadDaemon(configPath string) (Daemon, error) {
	cfg := DefaultDaemon()

	path := strings.TrimSpace(configPath)
	explicit := path != ""
	if !explicit {
		path = DefaultDaemonPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var parsed DaemonFile
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Daemon{}, fmt.Errorf("parse %s: %w", path, err)
		}
		Merge(&cfg, parsed)
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Daemon{}, fmt.Errorf("read config: %w", err)
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Daemon{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Daemon{}, err
	}
	return cfg, nil
}

func Merge(dst *Daemon, src DaemonFile) {
	if src.Store.Path != "" {
		dst.StorePath = src.Store.Path
	}
	if src.IPC.Listen != "" {
		dst.Listen = src.IPC.Listen
	}
	if src.IPC.ReadTimeout != 0 {
		dst.IPC.ReadTimeout = src.IPC.ReadTimeout
	}
	if src.IPC.WriteTimeout != 0 {
		dst.IPC.WriteTimeout = src.IPC.WriteTimeout
	}
	if src.IPC.RequestTimeout != 0 {
		dst.IPC.RequestTimeout = src.IPC.RequestTimeout
	}
	if src.IPC.MaxFrameBytes != 0 {
		dst.IPC.MaxFrameBytes = src.IPC.MaxFrameBytes
	}
	if src.IPC.MaxConnections != 0 {
		dst.IPC.MaxConnections = src.IPC.MaxConnections
	}
	if src.IPC.RateLimitRPS != nil {
		dst.IPC.RateLimitRPS = *src.IPC.RateLimitRPS
	}
	if src.IPC.RateLimitBurst != 0 {
		dst.IPC.RateLimitBurst = src.IPC.RateLimitBurst
	}
	if src.Session.IdleTimeout != nil {
		dst.Session.IdleTimeout = *src.Session.IdleTimeout
	}
	if src.Session.BackoffBase != 0 {
		dst.Session.BackoffBase = src.Session.BackoffBase
	}
	if src.Session.BackoffMax != 0 {
		dst.Session.BackoffMax = src.Session.BackoffMax
	}
	if src.Metrics.Listen != "" {
		dst.MetricsListen = src.Metrics.Listen
	}
	if src.Log.Level != "" {
		dst.LogLevel = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.LogFormat = src.Log.Format
	}
}

func ApplyEnvOverrides(cfg *Daemon) error {
	if v := envString(EnvStorePath); v != "" {
		cfg.StorePath = v
	}
	if v := envString(EnvIPCListen); v != "" {
		cfg.Listen = v
	}
	if v := envString(EnvIdleTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvIdleTimeout, err)
		}
		cfg.Session.IdleTimeout = d
	}
	if v := envString(EnvMetricsListen); v != "" {
		cfg.MetricsListen = v
	}
	if v := envString(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// Validate rejects settings the daemon cannot start with.
func (d Daemon) Validate() error {
	if strings.TrimSpace(d.StorePath) == "" {
		return errors.New("store path is required")
	}
	if _, err := endpoint.Parse(d.Listen); err != nil {
		return fmt.Errorf("ipc listen: %w", err)
	}
	if d.Session.IdleTimeout < 0 {
		return errors.New("session idle timeout must not be negative, use 0 to disable")
	}
	if d.Session.BackoffBase <= 0 || d.Session.BackoffMax < d.Session.BackoffBase {
		return errors.New("session backoff requires 0 < backoffBase <= backoffMax")
	}
	if d.IPC.MaxConnections < 0 || d.IPC.MaxFrameBytes < 0 || d.IPC.RateLimitBurst < 0 || d.IPC.RateLimitRPS < 0 {
		return errors.New("ipc limits must not be negative")
	}
	switch strings.ToLower(d.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", d.LogFormat)
	}
	return nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}
