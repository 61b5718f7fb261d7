package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"seedkeeper/go-keystore/internal/adapters/rpc"
)

func writeFile(t *testing.T, name, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDaemonMergesFileOverDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
store:
  path: /var/lib/seedkeeper/store.sealed
ipc:
  listen: /ip4/127.0.0.1/tcp/7411
  writeTimeout: 3s
  maxConnections: 8
  rateLimitRPS: 0
session:
  idleTimeout: 2m
metrics:
  listen: 127.0.0.1:9411
log:
  format: text
`, 0o600)

	cfg, err := LoadDaemon(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorePath != "/var/lib/seedkeeper/store.sealed" {
		t.Fatalf("unexpected store path %q", cfg.StorePath)
	}
	if cfg.Listen != "/ip4/127.0.0.1/tcp/7411" {
		t.Fatalf("unexpected listen %q", cfg.Listen)
	}
	if cfg.IPC.WriteTimeout != 3*time.Second || cfg.IPC.MaxConnections != 8 {
		t.Fatalf("unexpected ipc config %+v", cfg.IPC)
	}
	if cfg.IPC.RateLimitRPS != 0 {
		t.Fatalf("explicit rateLimitRPS=0 must disable limiting, got %v", cfg.IPC.RateLimitRPS)
	}
	defaults := rpc.DefaultConfig()
	if cfg.IPC.ReadTimeout != defaults.ReadTimeout || cfg.IPC.RateLimitBurst != defaults.RateLimitBurst {
		t.Fatalf("unset fields must keep defaults, got %+v", cfg.IPC)
	}
	if cfg.Session.IdleTimeout != 2*time.Minute || cfg.Session.BackoffBase != time.Second || cfg.Session.BackoffMax != 32*time.Second {
		t.Fatalf("unexpected session config %+v", cfg.Session)
	}
	if cfg.MetricsListen != "127.0.0.1:9411" || cfg.LogFormat != "text" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected metrics/log config %+v", cfg)
	}
}

func TestLoadDaemonEnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", "session:\n  idleTimeout: 2m\n", 0o600)
	t.Setenv(EnvStorePath, "/tmp/env.sealed")
	t.Setenv(EnvIPCListen, "unix:///tmp/seedkeeper-env.sock")
	t.Setenv(EnvIdleTimeout, "45s")
	t.Setenv(EnvMetricsListen, ":9000")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := LoadDaemon(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorePath != "/tmp/env.sealed" || cfg.Listen != "unix:///tmp/seedkeeper-env.sock" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Session.IdleTimeout != 45*time.Second {
		t.Fatalf("expected env idle timeout to win, got %s", cfg.Session.IdleTimeout)
	}
	if cfg.MetricsListen != ":9000" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestLoadDaemonRejectsBadEnvDuration(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvIdleTimeout, "soon")
	if _, err := LoadDaemon(""); err == nil || !strings.Contains(err.Error(), EnvIdleTimeout) {
		t.Fatalf("expected idle timeout parse error, got %v", err)
	}
}

func TestLoadDaemonIdleTimeoutZeroDisables(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeFile(t, "config.yaml", "session:\n  idleTimeout: 0s\n", 0o600)
	cfg, err := LoadDaemon(path)
	if err != nil {
		t.Fatalf("idle timeout 0 must be accepted: %v", err)
	}
	if cfg.Session.IdleTimeout != 0 {
		t.Fatalf("explicit idleTimeout=0 must override the default, got %s", cfg.Session.IdleTimeout)
	}

	t.Setenv(EnvIdleTimeout, "0")
	cfg, err = LoadDaemon("")
	if err != nil || cfg.Session.IdleTimeout != 0 {
		t.Fatalf("env idle timeout 0: %s err=%v", cfg.Session.IdleTimeout, err)
	}
}

func TestLoadDaemonMissingFiles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadDaemon("")
	if err != nil {
		t.Fatalf("missing default config must fall back to defaults: %v", err)
	}
	if !strings.HasSuffix(cfg.StorePath, filepath.Join(".seedkeeper", "store.sealed")) {
		t.Fatalf("unexpected default store path %q", cfg.StorePath)
	}
	if _, err := LoadDaemon(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing explicit config must fail, got %v", err)
	}
}

func TestLoadDaemonValidation(t *testing.T) {
	cases := map[string]string{
		"bad yaml":      "store: [",
		"bad listen":    "ipc:\n  listen: http://localhost\n",
		"bad backoff":   "session:\n  backoffBase: 10s\n  backoffMax: 1s\n",
		"bad format":    "log:\n  format: xml\n",
		"negative conn": "ipc:\n  maxConnections: -1\n",
		"negative idle": "session:\n  idleTimeout: -1s\n",
	}
	for name, content := range cases {
		path := writeFile(t, "config.yaml", content, 0o600)
		if _, err := LoadDaemon(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadConnectionURL(t *testing.T) {
	path := writeFile(t, DefaultEndpointFile, "connectionUrl: unix:///run/seedkeeper/socket\n", 0o644)
	url, err := LoadConnectionURL(path)
	if err != nil || url != "unix:///run/seedkeeper/socket" {
		t.Fatalf("unexpected url %q err=%v", url, err)
	}

	url, err = LoadConnectionURL(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || !strings.HasPrefix(url, "unix://") {
		t.Fatalf("missing file must fall back to the default socket, got %q err=%v", url, err)
	}

	empty := writeFile(t, DefaultEndpointFile, "other: 1\n", 0o644)
	if _, err := LoadConnectionURL(empty); err == nil {
		t.Fatal("expected error for missing connectionUrl")
	}
	bad := writeFile(t, DefaultEndpointFile, "connectionUrl: ftp://host\n", 0o644)
	if _, err := LoadConnectionURL(bad); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestLoadPassphrase(t *testing.T) {
	path := writeFile(t, DefaultPassphraseFile, "passphrase = \"correct-horse\"\n", 0o600)
	got, err := LoadPassphrase(path)
	if err != nil || string(got) != "correct-horse" {
		t.Fatalf("unexpected passphrase %q err=%v", got, err)
	}

	open := writeFile(t, DefaultPassphraseFile, "passphrase = \"x\"\n", 0o644)
	if err := os.Chmod(open, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := LoadPassphrase(open); err == nil {
		t.Fatal("expected error for group/world readable passphrase file")
	}

	empty := writeFile(t, DefaultPassphraseFile, "other = 1\n", 0o600)
	if _, err := LoadPassphrase(empty); !errors.Is(err, ErrNoPassphrase) {
		t.Fatalf("expected ErrNoPassphrase, got %v", err)
	}
	broken := writeFile(t, DefaultPassphraseFile, "passphrase = \n", 0o600)
	if _, err := LoadPassphrase(broken); err == nil {
		t.Fatal("expected parse error")
	}
}
