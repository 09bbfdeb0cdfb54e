package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// fileConfig mirrors Config with optional sections so a file can
// override one section without restating the rest.
type fileConfig struct {
	Pool      *PoolConfig               `json:"pool"`
	Consensus *ConsensusConfig          `json:"consensus"`
	Runner    *RunnerConfig             `json:"runner"`
	Providers map[string]ProviderConfig `json:"providers"`
	Stations  map[string]string         `json:"stations"`
	Audit     *AuditConfig              `json:"audit"`
}

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
//
// Scalar sections (pool, consensus, runner, audit) present in a file
// replace the base section wholesale. Provider and station maps merge
// per key.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// DefaultGlobalPath returns the conventional global config location,
// ~/.concord/config.json.
func DefaultGlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".concord", "config.json"), nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.concord/config.json
// Project: .concord/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := DefaultGlobalPath()
	if err != nil {
		return nil, err
	}

	projectPath := filepath.Join(".concord", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded fileConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Pool != nil {
		base.Pool = *loaded.Pool
	}
	if loaded.Consensus != nil {
		base.Consensus = *loaded.Consensus
	}
	if loaded.Runner != nil {
		base.Runner = *loaded.Runner
	}
	if loaded.Audit != nil {
		base.Audit = *loaded.Audit
	}

	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}

	for key, station := range loaded.Stations {
		if base.Stations == nil {
			base.Stations = make(map[string]string)
		}
		base.Stations[key] = station
	}

	return nil
}
