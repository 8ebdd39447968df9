package config

import (
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/engine/strategy"
	redisclient "github.com/matsci-hpc/conductor/internal/infra/redis"
	"github.com/matsci-hpc/conductor/internal/infra/scheduler"
	"github.com/matsci-hpc/conductor/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Engine    EngineConfig       `yaml:"engine"`
	Scheduler scheduler.Config   `yaml:"scheduler"`
	Recovery  RecoveryConfig     `yaml:"recovery"`
	Stages    []domain.StageSpec `yaml:"stages"`
	Redis     redisclient.Config `yaml:"redis"`
	Logging   LoggingConfig      `yaml:"logging"`
	Database  postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// EngineConfig holds admission and reconciliation settings.
type EngineConfig struct {
	// MaxJobsCeiling is the hard cap on concurrently active jobs.
	MaxJobsCeiling int `yaml:"max_jobs_ceiling"`

	// ReserveHeadroom is withheld from the ceiling for other cluster users.
	ReserveHeadroom int `yaml:"reserve_headroom"`

	// MaxSubmitPerInvocation bounds one admission sweep.
	MaxSubmitPerInvocation int `yaml:"max_submit_per_invocation"`

	// PollInterval drives the admission sweep, blacklist expiry sweep, and
	// reconciliation of unacknowledged jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SharedLedger switches the resource ledger from in-process to Redis so
	// several conductor instances can share one pool.
	SharedLedger bool   `yaml:"shared_ledger"`
	PoolName     string `yaml:"pool_name"`
}

// RecoveryConfig holds recovery engine settings.
type RecoveryConfig struct {
	BlacklistDuration time.Duration         `yaml:"blacklist_duration"`
	MaxDailyAttempts  int                   `yaml:"max_daily_attempts"`
	Kinds             map[string]KindPolicy `yaml:"kinds"`
}

// KindPolicy overrides the stock policy for one error kind.
type KindPolicy struct {
	MaxRetries    int           `yaml:"max_retries"`
	ResubmitDelay time.Duration `yaml:"resubmit_delay"`
}

// StrategyOptions converts the per-kind policies into registry options. Kind
// names were validated at load time, so the conversion is mechanical.
func (c RecoveryConfig) StrategyOptions() strategy.Options {
	opts := strategy.Options{
		MaxRetries:    make(map[domain.ErrorKind]int),
		ResubmitDelay: make(map[domain.ErrorKind]time.Duration),
	}
	for name, p := range c.Kinds {
		kind := domain.ErrorKind(name)
		if p.MaxRetries > 0 {
			opts.MaxRetries[kind] = p.MaxRetries
		}
		if p.ResubmitDelay > 0 {
			opts.ResubmitDelay[kind] = p.ResubmitDelay
		}
	}
	return opts
}
