package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read cardinal.yaml (an empty path, or a missing file at the default
//     path, means pure defaults)
//  2. Expand environment variables ({{.VAR}} syntax)
//  3. Parse YAML
//  4. Merge user values over built-in defaults
//  5. Validate
func Initialize(path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"provider_kind", cfg.ProviderKind,
		"store_path", cfg.StorePath,
		"source_extensions", cfg.SourceExtensions,
		"cache_enabled", cfg.CacheOn())

	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configPath = path
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{File: path, Err: ErrConfigNotFound}
		}
		return nil, &LoadError{File: path, Err: err}
	}

	user := &Config{}
	if err := yaml.Unmarshal(ExpandEnv(data), user); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %w", ErrInvalidYAML, err)}
	}

	// Merge user values over defaults; non-zero user fields win.
	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("merge config: %w", err)}
	}
	cfg.configPath = path
	return cfg, nil
}
