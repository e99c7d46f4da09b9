package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"multistore-backup/internal/backup"
)

// Loader reads the orchestrator configuration from a YAML file, applies
// environment overrides, and validates the result
type Loader struct {
	configPath string
}

// NewLoader creates a configuration loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load produces a validated Config
func (l *Loader) Load() (*Config, error) {
	cfg := &Config{}

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, err
		}
	}

	cfg.SetDefaults()
	cfg.LoadFromEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return backup.NewConfigurationError(fmt.Sprintf("failed to read config file %s", l.configPath), err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return backup.NewConfigurationError("failed to parse YAML config", err)
	}
	return nil
}

// Save writes the configuration back out as YAML
func (l *Loader) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.configPath), 0o755); err != nil {
		return backup.NewStorageError("failed to create config directory", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return backup.NewConfigurationError("failed to marshal config", err)
	}
	return os.WriteFile(l.configPath, data, 0o600)
}

// EnsureLayout creates the fixed artifact directory tree under backup_root
func EnsureLayout(root string) error {
	dirs := []string{
		"postgresql/full", "postgresql/incremental", "postgresql/metadata", "postgresql/logs", "postgresql/wal",
		"mongodb/full", "mongodb/incremental", "mongodb/snapshots", "mongodb/gridfs", "mongodb/metadata", "mongodb/logs", "mongodb/oplog",
		"redis",
		"files/full", "files/incremental", "files/differential", "files/index", "files/metadata", "files/logs", "files/dedup",
		"recovery-tests",
		"metadata",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return backup.NewStorageError(fmt.Sprintf("failed to create %s", d), err)
		}
	}
	return nil
}
