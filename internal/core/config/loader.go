package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.MaxInvocation == 0 {
		cfg.Worker.MaxInvocation = 14 * time.Minute
	}
	if cfg.Worker.DeferBuffer == 0 {
		cfg.Worker.DeferBuffer = 90 * time.Second
	}
	if cfg.Worker.Visibility == 0 {
		cfg.Worker.Visibility = 15 * time.Minute
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 2 * time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 60 * time.Second
	}
	if cfg.Memory.WarnFraction == 0 {
		cfg.Memory.WarnFraction = 0.75
	}
	if cfg.Memory.CriticalFraction == 0 {
		cfg.Memory.CriticalFraction = 0.9
	}
	if cfg.DLQ.MaxReceives == 0 {
		cfg.DLQ.MaxReceives = 3
	}
	if cfg.DLQ.CriticalReceives == 0 {
		cfg.DLQ.CriticalReceives = 3
	}
}
