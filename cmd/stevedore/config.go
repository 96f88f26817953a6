package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the serve command's configuration, loadable from a YAML
// file and overridable by flags.
type Config struct {
	NodeID      string `yaml:"node_id"`
	BindAddr    string `yaml:"bind_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	Placement PlacementConfig `yaml:"placement"`
}

// PlacementConfig bounds the capacity-wait retry loop
type PlacementConfig struct {
	MaxCapacityRetries int `yaml:"max_capacity_retries"`
	RetryBaseDelayMS   int `yaml:"retry_base_delay_ms"`
}

// RetryBaseDelay returns the retry delay as a duration
func (p PlacementConfig) RetryBaseDelay() time.Duration {
	return time.Duration(p.RetryBaseDelayMS) * time.Millisecond
}

// DefaultConfig returns the serve defaults
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "stevedore-1",
		BindAddr:    "127.0.0.1:7400",
		MetricsAddr: ":9090",
		DataDir:     "/var/lib/stevedore",
		LogLevel:    "info",
		LogJSON:     true,
		Placement: PlacementConfig{
			MaxCapacityRetries: 5,
			RetryBaseDelayMS:   250,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
