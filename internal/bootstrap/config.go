package bootstrap

import (
	"fmt"

	"dcaengine/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader and then runs
// pre-flight checks that need live environment state rather than
// schema validation alone.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *Config) error {
	if cfg.Broker.Mode == "remote" {
		if cfg.Broker.APIKey == "" || cfg.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_key and broker.api_secret are required when broker.mode is 'remote'")
		}
	}
	return nil
}
