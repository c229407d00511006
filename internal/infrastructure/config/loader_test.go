package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoader_LoadMissingFileReturnsDefaults(t *testing.T) {
	l, err := NewLoader(t.TempDir())
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Interval != DefaultSyncInterval {
		t.Errorf("expected default interval, got %v", cfg.Sync.Interval)
	}
}

func TestLoader_LoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
owner: alice
sync:
  timezone: UTC
  interval: 5m
  metric_types: [step_count, heart_rate]
outbox:
  max_attempts: 3
  backoff: [2s, 10s]
remote:
  base_url: https://metrics.example.com
source:
  type: file
  directory: /srv/samples
ledger:
  backend: redis
  redis:
    addr: redis:6379
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	l, _ := NewLoader(dir)
	cfg, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Owner != "alice" {
		t.Errorf("expected owner alice, got %q", cfg.Owner)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("expected interval 5m, got %v", cfg.Sync.Interval)
	}
	if len(cfg.Sync.MetricTypes) != 2 {
		t.Errorf("expected 2 metric types, got %v", cfg.Sync.MetricTypes)
	}
	if cfg.Outbox.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", cfg.Outbox.MaxAttempts)
	}
	if len(cfg.Outbox.Backoff) != 2 || cfg.Outbox.Backoff[1] != 10*time.Second {
		t.Errorf("unexpected backoff %v", cfg.Outbox.Backoff)
	}
	// Untouched fields keep their defaults.
	if cfg.Outbox.BatchSize != DefaultOutboxBatchSize {
		t.Errorf("expected default batch size, got %d", cfg.Outbox.BatchSize)
	}
	if cfg.Ledger.Redis.KeyPrefix != DefaultRedisKeyPrefix {
		t.Errorf("expected default key prefix, got %q", cfg.Ledger.Redis.KeyPrefix)
	}
}

func TestLoader_LoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("source:\n  type: carrier-pigeon\n"), 0600); err != nil {
		t.Fatal(err)
	}

	l, _ := NewLoader(dir)
	_, err := l.Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("expected error to name the bad value, got %v", err)
	}
}

func TestLoader_LoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("sync: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}

	l, _ := NewLoader(dir)
	if _, err := l.Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoader_LoadFromFileMissing(t *testing.T) {
	l, _ := NewLoader(t.TempDir())
	if _, err := l.LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, _ := NewLoader(dir)

	cfg := NewDefaultConfig()
	cfg.Owner = "bob"
	cfg.Sync.GateThreshold = 90 * time.Second

	if err := l.Save(cfg, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(l.DefaultConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# pulsesync configuration") {
		t.Error("expected header comment")
	}
	if !strings.Contains(string(data), "gate_threshold: 1m30s") {
		t.Errorf("expected durations in Go syntax, got:\n%s", data)
	}

	info, err := os.Stat(l.DefaultConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	loaded, err := l.LoadFromFile(l.DefaultConfigPath())
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Owner != "bob" || loaded.Sync.GateThreshold != 90*time.Second {
		t.Errorf("round trip lost values: %+v", loaded.Sync)
	}
}

func TestNewLoader_DefaultDir(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	l, err := NewLoader("")
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if l.ConfigDir() != "/home/tester/.pulsesync" {
		t.Errorf("unexpected config dir %q", l.ConfigDir())
	}
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "owner: alice\nremote:\n  base_url: https://file.example.com\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	l, _ := NewLoader(dir)
	l.lookupEnv = envMap(map[string]string{
		EnvOwner:     "carol",
		EnvAPIToken:  "s3cret",
		EnvRemoteURL: "",
		EnvLogLevel:  "debug",
	})

	cfg, err := l.LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Owner != "carol" {
		t.Errorf("expected env owner, got %q", cfg.Owner)
	}
	if cfg.Remote.APIToken != "s3cret" {
		t.Errorf("expected env token, got %q", cfg.Remote.APIToken)
	}
	if cfg.Remote.BaseURL != "https://file.example.com" {
		t.Errorf("empty env value must not override, got %q", cfg.Remote.BaseURL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env log level, got %q", cfg.Logging.Level)
	}
}

func TestLoader_EnvOverridesApplyToDefaults(t *testing.T) {
	l, _ := NewLoader(t.TempDir())
	l.lookupEnv = envMap(map[string]string{EnvStorage: "/var/lib/pulsesync/db.sqlite"})

	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/pulsesync/db.sqlite" {
		t.Errorf("unexpected storage path %q", cfg.Storage.Path)
	}
}

func TestLoader_EnvInvalidValueFailsValidation(t *testing.T) {
	l, _ := NewLoader(t.TempDir())
	l.lookupEnv = envMap(map[string]string{EnvLogLevel: "chatty"})

	if _, err := l.Load(""); err == nil {
		t.Fatal("expected validation error for bad log level")
	}
}

func TestLoader_ConfigPathFromEnv(t *testing.T) {
	dir := t.TempDir()
	alt := filepath.Join(dir, "alt.yaml")
	if err := os.WriteFile(alt, []byte("owner: dave\n"), 0600); err != nil {
		t.Fatal(err)
	}

	l, _ := NewLoader(t.TempDir())
	l.lookupEnv = envMap(map[string]string{EnvConfigPath: alt})

	if l.DefaultConfigPath() != alt {
		t.Errorf("DefaultConfigPath = %q", l.DefaultConfigPath())
	}
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Owner != "dave" {
		t.Errorf("expected owner from env path, got %q", cfg.Owner)
	}
}
