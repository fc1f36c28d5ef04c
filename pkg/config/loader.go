package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, expands, and validates the configuration file.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read the YAML file
//  2. Expand ${ENV_VAR} references
//  3. Parse YAML into the Config struct
//  4. Apply default values
//  5. Validate required fields
func Load(path string) (*Config, error) {
	log := slog.With("config_file", path)
	log.Info("Loading configuration")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	data = ExpandEnv(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration loaded",
		"hostname", cfg.Hostname,
		"database", cfg.Database.Name,
		"poll_interval", cfg.Poller.Interval)

	return cfg, nil
}
