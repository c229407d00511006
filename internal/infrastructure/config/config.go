// Package config provides configuration structs and utilities for the pulsesync application.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// Config represents the root configuration for the pulsesync application.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	// Owner is the default owner for CLI commands.
	Owner         string              `yaml:"owner"`
	Sync          SyncConfig          `yaml:"sync"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	Remote        RemoteConfig        `yaml:"remote"`
	Source        SourceConfig        `yaml:"source"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig holds configuration for the local SQLite store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig holds configuration for sensor sync passes.
type SyncConfig struct {
	Timezone          string        `yaml:"timezone"`           // IANA name, "Local" or empty for the host zone
	GateThreshold     time.Duration `yaml:"gate_threshold"`     // minimum time between fetches per metric type
	Interval          time.Duration `yaml:"interval"`           // periodic pass interval
	InitialLookback   time.Duration `yaml:"initial_lookback"`   // first fetch window for a new owner
	BoundaryTolerance time.Duration `yaml:"boundary_tolerance"` // skew allowed when matching the live bucket
	SummaryDebounce   time.Duration `yaml:"summary_debounce"`   // summary refresh coalescing window
	MetricTypes       []string      `yaml:"metric_types"`       // empty for every supported type
}

// OutboxConfig holds configuration for the outbox processor.
type OutboxConfig struct {
	Interval          time.Duration   `yaml:"interval"`
	BatchSize         int             `yaml:"batch_size"`
	MaxConcurrent     int             `yaml:"max_concurrent"`
	MaxAttempts       int             `yaml:"max_attempts"`
	ProcessingTimeout time.Duration   `yaml:"processing_timeout"`
	RemoteTimeout     time.Duration   `yaml:"remote_timeout"`
	Retention         time.Duration   `yaml:"retention"`
	PurgeInterval     time.Duration   `yaml:"purge_interval"`
	Backoff           []time.Duration `yaml:"backoff"`
}

// RemoteConfig holds configuration for the metrics backend.
type RemoteConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIToken string        `yaml:"api_token,omitempty"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SourceConfig holds configuration for the sensor source.
type SourceConfig struct {
	Type      string     `yaml:"type"`      // none, file
	Directory string     `yaml:"directory"` // root of <owner>/<metric_type>.jsonl files
	MQTT      MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig holds configuration for MQTT change notifications.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// LedgerConfig selects where last-sync bookkeeping lives.
type LedgerConfig struct {
	Backend string      `yaml:"backend"` // sqlite, redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds configuration for the Redis ledger backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoggingConfig holds configuration for application logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ObservabilityConfig holds configuration for observability features.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`       // Whether tracing is enabled
	ExporterType string  `yaml:"exporter_type"` // none, stdout, otlp
	OTLPEndpoint string  `yaml:"otlp_endpoint"` // OTLP collector endpoint
	SampleRate   float64 `yaml:"sample_rate"`   // Sampling rate (0.0 to 1.0)
	ServiceName  string  `yaml:"service_name"`  // Service name for traces
}

// Default configuration values.
const (
	DefaultStoragePath = "~/.pulsesync/pulsesync.db"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"

	// Sync defaults
	DefaultGateThreshold     = 5 * time.Minute
	DefaultSyncInterval      = 15 * time.Minute
	DefaultInitialLookback   = 24 * time.Hour
	DefaultBoundaryTolerance = time.Hour
	DefaultSummaryDebounce   = 2 * time.Second

	// Outbox defaults
	DefaultOutboxInterval    = 2 * time.Second
	DefaultOutboxBatchSize   = 25
	DefaultMaxConcurrent     = 3
	DefaultMaxAttempts       = 5
	DefaultProcessingTimeout = 2 * time.Minute
	DefaultRemoteTimeout     = 30 * time.Second
	DefaultRetention         = 7 * 24 * time.Hour
	DefaultPurgeInterval     = time.Hour

	// Source defaults
	SourceTypeNone      = "none"
	SourceTypeFile      = "file"
	DefaultSourceDir    = "~/.pulsesync/samples"
	DefaultMQTTTopic    = "pulsesync/+/changed"
	DefaultMQTTClientID = "pulsesync"

	// Ledger defaults
	LedgerBackendSQLite   = "sqlite"
	LedgerBackendRedis    = "redis"
	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisKeyPrefix = "pulsesync:ledger"

	// Observability defaults
	DefaultTracingEnabled      = false
	DefaultTracingExporterType = "none"
	DefaultTracingSampleRate   = 1.0
	DefaultTracingServiceName  = "pulsesync"
)

// DefaultBackoff is the retry schedule after the 1st, 2nd, ... failure.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// Valid log levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Valid log formats.
var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// Valid tracing exporter types.
var validTracingExporterTypes = map[string]bool{
	"none":   true,
	"stdout": true,
	"otlp":   true,
}

// NewDefaultConfig creates a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: DefaultStoragePath,
		},
		Sync: SyncConfig{
			GateThreshold:     DefaultGateThreshold,
			Interval:          DefaultSyncInterval,
			InitialLookback:   DefaultInitialLookback,
			BoundaryTolerance: DefaultBoundaryTolerance,
			SummaryDebounce:   DefaultSummaryDebounce,
		},
		Outbox: OutboxConfig{
			Interval:          DefaultOutboxInterval,
			BatchSize:         DefaultOutboxBatchSize,
			MaxConcurrent:     DefaultMaxConcurrent,
			MaxAttempts:       DefaultMaxAttempts,
			ProcessingTimeout: DefaultProcessingTimeout,
			RemoteTimeout:     DefaultRemoteTimeout,
			Retention:         DefaultRetention,
			PurgeInterval:     DefaultPurgeInterval,
			Backoff:           append([]time.Duration(nil), DefaultBackoff...),
		},
		Remote: RemoteConfig{
			Timeout: DefaultRemoteTimeout,
		},
		Source: SourceConfig{
			Type:      SourceTypeNone,
			Directory: DefaultSourceDir,
			MQTT: MQTTConfig{
				ClientID: DefaultMQTTClientID,
				Topic:    DefaultMQTTTopic,
			},
		},
		Ledger: LedgerConfig{
			Backend: LedgerBackendSQLite,
			Redis: RedisConfig{
				Addr:      DefaultRedisAddr,
				KeyPrefix: DefaultRedisKeyPrefix,
			},
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:      DefaultTracingEnabled,
				ExporterType: DefaultTracingExporterType,
				SampleRate:   DefaultTracingSampleRate,
				ServiceName:  DefaultTracingServiceName,
			},
		},
	}
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage: path is required"))
	}

	if err := c.Sync.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}

	if err := c.Outbox.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("outbox: %w", err))
	}

	if err := c.Remote.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("remote: %w", err))
	}

	if err := c.Source.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("source: %w", err))
	}

	if err := c.Ledger.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if err := c.Observability.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("observability: tracing: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the SyncConfig is valid.
func (s *SyncConfig) Validate() error {
	var errs []error

	if _, err := s.Location(); err != nil {
		errs = append(errs, err)
	}
	if s.GateThreshold < 0 {
		errs = append(errs, errors.New("gate_threshold must be non-negative"))
	}
	if s.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if s.InitialLookback <= 0 {
		errs = append(errs, errors.New("initial_lookback must be positive"))
	}
	if s.BoundaryTolerance < 0 {
		errs = append(errs, errors.New("boundary_tolerance must be non-negative"))
	}
	if _, err := s.Types(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Location resolves Timezone.
func (s *SyncConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// Types resolves MetricTypes, defaulting to every supported type.
func (s *SyncConfig) Types() ([]metric.Type, error) {
	if len(s.MetricTypes) == 0 {
		return metric.Types(), nil
	}

	seen := make(map[metric.Type]bool, len(s.MetricTypes))
	out := make([]metric.Type, 0, len(s.MetricTypes))
	for _, name := range s.MetricTypes {
		t, err := metric.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("invalid metric type %q", name)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// Validate checks if the OutboxConfig is valid.
func (o *OutboxConfig) Validate() error {
	var errs []error

	if o.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if o.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if o.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("max_concurrent must be positive"))
	}
	if o.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max_attempts must be positive"))
	}
	if o.ProcessingTimeout <= 0 {
		errs = append(errs, errors.New("processing_timeout must be positive"))
	}
	if o.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("remote_timeout must be positive"))
	}
	if o.RemoteTimeout >= o.ProcessingTimeout && o.ProcessingTimeout > 0 {
		errs = append(errs, errors.New("remote_timeout must be shorter than processing_timeout"))
	}
	if o.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}
	for i, d := range o.Backoff {
		if d < 0 {
			errs = append(errs, fmt.Errorf("backoff[%d] must be non-negative", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the RemoteConfig is valid.
func (r *RemoteConfig) Validate() error {
	var errs []error

	if r.Timeout < 0 {
		errs = append(errs, errors.New("timeout must be non-negative"))
	}

	if r.BaseURL != "" {
		parsedURL, err := url.Parse(r.BaseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid base_url: %w", err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			errs = append(errs, errors.New("base_url must use http or https scheme"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the SourceConfig is valid.
func (s *SourceConfig) Validate() error {
	var errs []error

	switch s.Type {
	case "", SourceTypeNone:
	case SourceTypeFile:
		if s.Directory == "" {
			errs = append(errs, errors.New("directory is required when type is 'file'"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid type %q: must be one of none, file", s.Type))
	}

	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt: broker is required when enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the LedgerConfig is valid.
func (l *LedgerConfig) Validate() error {
	switch l.Backend {
	case "", LedgerBackendSQLite:
		return nil
	case LedgerBackendRedis:
		if l.Redis.Addr == "" {
			return errors.New("redis: addr is required when backend is 'redis'")
		}
		if l.Redis.DB < 0 {
			return errors.New("redis: db must be non-negative")
		}
		return nil
	default:
		return fmt.Errorf("invalid backend %q: must be one of sqlite, redis", l.Backend)
	}
}

// Validate checks if the LoggingConfig is valid.
func (l *LoggingConfig) Validate() error {
	var errs []error

	if l.Level != "" && !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", l.Level))
	}

	if l.Format != "" && !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("invalid log format %q: must be one of json, text", l.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the TracingConfig is valid.
func (t *TracingConfig) Validate() error {
	var errs []error

	if t.Enabled {
		if t.ExporterType != "" && !validTracingExporterTypes[t.ExporterType] {
			errs = append(errs, fmt.Errorf("invalid exporter_type %q: must be one of none, stdout, otlp", t.ExporterType))
		}
		if t.ExporterType == "otlp" && t.OTLPEndpoint == "" {
			errs = append(errs, errors.New("otlp_endpoint is required when exporter_type is 'otlp'"))
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			errs = append(errs, errors.New("sample_rate must be between 0.0 and 1.0"))
		}
		if t.ServiceName == "" {
			errs = append(errs, errors.New("service_name is required when tracing is enabled"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// ExpandPath replaces a leading "~" with the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~")), nil
}
