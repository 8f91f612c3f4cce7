package extension

import (
	"time"

	"github.com/xraph/funnel/bonus"
)

// Config holds the Funnel extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.funnel" or "funnel" keys).
type Config struct {
	// DisableRoutes prevents mounting the HTTP API.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableSweeps stops the in-process sweep loop. Use it when an external
	// scheduler drives the sweep endpoints.
	DisableSweeps bool `json:"disable_sweeps" mapstructure:"disable_sweeps" yaml:"disable_sweeps"`

	// BasePath is the URL prefix for funnel routes (default: "/funnel").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// SweepInterval is how often the timeout, overlay and bonus sweeps run
	// (default: 1m).
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// SweepBatchSize bounds the users, overlays or bonuses one sweep step
	// loads (default: 100).
	SweepBatchSize int `json:"sweep_batch_size" mapstructure:"sweep_batch_size" yaml:"sweep_batch_size"`

	// CostCacheTTL controls how long tariffs and settings are cached
	// in-process (default: 1m).
	CostCacheTTL time.Duration `json:"cost_cache_ttl" mapstructure:"cost_cache_ttl" yaml:"cost_cache_ttl"`

	// MaxCascade bounds the events processed for one external trigger
	// (default: 32).
	MaxCascade int `json:"max_cascade" mapstructure:"max_cascade" yaml:"max_cascade"`

	// RevocationPolicy is "clamp_at_zero" (default) or "strict".
	RevocationPolicy string `json:"revocation_policy" mapstructure:"revocation_policy" yaml:"revocation_policy"`

	// Definitions is a YAML definitions file installed on start.
	Definitions string `json:"definitions" mapstructure:"definitions" yaml:"definitions"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:         "/funnel",
		SweepInterval:    time.Minute,
		SweepBatchSize:   100,
		CostCacheTTL:     time.Minute,
		MaxCascade:       32,
		RevocationPolicy: bonus.PolicyClampAtZero,
	}
}
