package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables applied over the file. Secrets such as the API
// token are usually provided this way rather than written to disk.
const (
	EnvConfigPath = "PULSESYNC_CONFIG"
	EnvOwner      = "PULSESYNC_OWNER"
	EnvStorage    = "PULSESYNC_DB"
	EnvRemoteURL  = "PULSESYNC_REMOTE_URL"
	EnvAPIToken   = "PULSESYNC_API_TOKEN"
	EnvLogLevel   = "PULSESYNC_LOG_LEVEL"
)

const configFileName = "config.yaml"

const fileHeader = `# pulsesync configuration
# Durations use Go syntax (30s, 15m, 24h).
# PULSESYNC_OWNER, PULSESYNC_DB, PULSESYNC_REMOTE_URL, PULSESYNC_API_TOKEN
# and PULSESYNC_LOG_LEVEL override the values below.
#
`

// Loader reads and writes the YAML configuration file.
type Loader struct {
	configDir string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader rooted at configDir, or ~/.pulsesync when
// configDir is empty.
func NewLoader(configDir string) (*Loader, error) {
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".pulsesync")
	}

	return &Loader{configDir: configDir, lookupEnv: os.LookupEnv}, nil
}

// Load reads configPath, falling back to $PULSESYNC_CONFIG and then the
// default path. A missing file yields the defaults. Environment overrides
// apply either way.
func (l *Loader) Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = l.DefaultConfigPath()
	}

	data, err := os.ReadFile(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return l.finish(NewDefaultConfig())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.parse(data)
}

// LoadFromFile reads a config file that must exist.
func (l *Loader) LoadFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.parse(data)
}

// Save writes cfg to configPath, or the default path when empty. The file
// is created 0600 since it may hold credentials.
func (l *Loader) Save(cfg *Config, configPath string) error {
	if configPath == "" {
		configPath = l.DefaultConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, append([]byte(fileHeader), data...), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigDir returns the configuration directory.
func (l *Loader) ConfigDir() string {
	return l.configDir
}

// DefaultConfigPath returns $PULSESYNC_CONFIG if set, else config.yaml in
// the configuration directory.
func (l *Loader) DefaultConfigPath() string {
	if p, ok := l.lookupEnv(EnvConfigPath); ok && p != "" {
		return p
	}
	return filepath.Join(l.configDir, configFileName)
}

// parse decodes data over the defaults.
func (l *Loader) parse(data []byte) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return l.finish(cfg)
}

// finish applies environment overrides and validates.
func (l *Loader) finish(cfg *Config) (*Config, error) {
	l.applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) {
	for name, field := range map[string]*string{
		EnvOwner:     &cfg.Owner,
		EnvStorage:   &cfg.Storage.Path,
		EnvRemoteURL: &cfg.Remote.BaseURL,
		EnvAPIToken:  &cfg.Remote.APIToken,
		EnvLogLevel:  &cfg.Logging.Level,
	} {
		if v, ok := l.lookupEnv(name); ok && v != "" {
			*field = v
		}
	}
}
