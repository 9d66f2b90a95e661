// Package config loads and saves the engine's yaml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the birch engine configuration.
type Config struct {
	// StoreDir holds the primary record store.
	StoreDir string `yaml:"store_dir"`
	// IndexDir holds index files and their build scratch files.
	IndexDir string  `yaml:"index_dir"`
	Bind     string  `yaml:"bind"`
	Port     int     `yaml:"port"`
	Cache    Cache   `yaml:"cache"`
	Build    Build   `yaml:"build"`
	Logging  Logging `yaml:"logging"`
}

// Cache tunes the per-index query cache.
type Cache struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	Capacity   int `yaml:"capacity"`
}

// Build tunes the external merge-sort build pipeline.
type Build struct {
	// BatchSize caps how many records stage B holds in memory before
	// spilling a run file.
	BatchSize int `yaml:"batch_size"`
	// FillFactor is the leaf fill percentage for bulk builds.
	FillFactor int `yaml:"fill_factor"`
}

// Logging contains logging configuration.
type Logging struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		StoreDir: "./data/store",
		IndexDir: "./data/indexes",
		Bind:     "127.0.0.1",
		Port:     8080,
		Cache: Cache{
			TTLSeconds: 60,
			Capacity:   500,
		},
		Build: Build{
			BatchSize:  100_000,
			FillFactor: 95,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from the specified path. Settings
// absent from the file keep their defaults.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}
	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveConfig saves the configuration to the specified path.
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
