package app

import (
	"errors"
	"fmt"

	"github.com/vk/racegate/internal/table"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ScriptPath string // hcl file or directory
	DBPath     string // empty keeps results in memory

	Output       string
	ShowResponse bool

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

// NewConfig validates cfg and fills in defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ScriptPath == "" {
		return nil, errors.New("ScriptPath is a required configuration field and cannot be empty")
	}
	if cfg.Output == "" {
		cfg.Output = string(table.FormatText)
	}
	if _, err := table.ParseFormat(cfg.Output); err != nil {
		return nil, err
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("invalid healthcheck port %d", cfg.HealthcheckPort)
	}
	return &cfg, nil
}
