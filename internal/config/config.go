// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	System    SystemConfig    `yaml:"system"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name string `yaml:"name"`
}

// DatabaseConfig configures the Postgres-backed cycle store.
type DatabaseConfig struct {
	URL            Secret `yaml:"url" validate:"required"`
	MaxConnections int    `yaml:"max_connections" validate:"min=1,max=100"`
}

// BrokerConfig selects and configures the broker implementation. Mode
// "paper" ignores every field below it; "remote" dials a real broker.
type BrokerConfig struct {
	Mode              string  `yaml:"mode" validate:"required,oneof=paper remote"`
	BaseURL           string  `yaml:"base_url"`
	QuoteStreamURL    string  `yaml:"quote_stream_url"`
	TradeStreamURL    string  `yaml:"trade_stream_url"`
	APIKey            Secret  `yaml:"api_key"`
	APISecret         Secret  `yaml:"api_secret"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"min=0"`
	TimeoutSeconds    int     `yaml:"timeout_seconds" validate:"min=1,max=300"`
}

// SystemConfig contains process-level settings.
type SystemConfig struct {
	LogLevel   string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	HealthPort int    `yaml:"health_port"`
}

// ReconcileConfig overrides the reconciliation workers' default
// intervals (spec.md §4.E); zero values fall back to those defaults.
type ReconcileConfig struct {
	CleanupIntervalSeconds     int `yaml:"cleanup_interval_seconds" validate:"min=0,max=3600"`
	StuckSellIntervalSeconds   int `yaml:"stuck_sell_interval_seconds" validate:"min=0,max=3600"`
	ConsistencyIntervalSeconds int `yaml:"consistency_interval_seconds" validate:"min=0,max=86400"`
	BootstrapIntervalSeconds   int `yaml:"bootstrap_interval_seconds" validate:"min=0,max=86400"`
}

// RuntimeConfig controls the Live Runtime's worker pool and lock
// acquisition timeout.
type RuntimeConfig struct {
	MaxWorkers        int `yaml:"max_workers" validate:"min=1,max=256"`
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds" validate:"min=1,max=300"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateDatabase(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateBroker(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" {
		return ValidationError{Field: "database.url", Message: "database URL is required"}
	}
	return nil
}

func (c *Config) validateBroker() error {
	validModes := []string{"paper", "remote"}
	if !contains(validModes, c.Broker.Mode) {
		return ValidationError{
			Field:   "broker.mode",
			Value:   c.Broker.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	if c.Broker.Mode == "remote" && c.Broker.BaseURL == "" {
		return ValidationError{Field: "broker.base_url", Message: "required when broker.mode is remote"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(*c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App:      AppConfig{Name: "dca-engine"},
		Database: DatabaseConfig{URL: "postgres://localhost:5432/dcaengine", MaxConnections: 10},
		Broker:   BrokerConfig{Mode: "paper"},
		System:   SystemConfig{LogLevel: "INFO", HealthPort: 8080},
		Reconcile: ReconcileConfig{
			CleanupIntervalSeconds:     60,
			StuckSellIntervalSeconds:   60,
			ConsistencyIntervalSeconds: 300,
			BootstrapIntervalSeconds:   900,
		},
		Runtime: RuntimeConfig{MaxWorkers: 8, LockTimeoutSeconds: 5},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
