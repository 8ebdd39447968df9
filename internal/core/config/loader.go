package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/matsci-hpc/conductor/internal/core/domain"
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

	// The taxonomy is closed; a typo in a kind name is a config error, not a
	// silently ignored key.
	for name := range cfg.Recovery.Kinds {
		if _, err := domain.ParseErrorKind(name); err != nil {
			return nil, fmt.Errorf("recovery.kinds: %w", err)
		}
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Engine.MaxJobsCeiling == 0 {
		cfg.Engine.MaxJobsCeiling = 20
	}
	if cfg.Engine.MaxSubmitPerInvocation == 0 {
		cfg.Engine.MaxSubmitPerInvocation = 10
	}
	if cfg.Engine.PollInterval == 0 {
		cfg.Engine.PollInterval = 30 * time.Second
	}
	if cfg.Engine.PoolName == "" {
		cfg.Engine.PoolName = "default"
	}
	if cfg.Recovery.BlacklistDuration == 0 {
		cfg.Recovery.BlacklistDuration = 24 * time.Hour
	}
	if cfg.Recovery.MaxDailyAttempts == 0 {
		cfg.Recovery.MaxDailyAttempts = 10
	}

	return &cfg, nil
}
