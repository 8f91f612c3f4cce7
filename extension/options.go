package extension

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/store"
)

// Option configures the Funnel Forge extension.
type Option func(*Extension)

// WithStore sets the store for the funnel engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithFunnelOption passes a funnel.Option through to the underlying engine.
func WithFunnelOption(opt funnel.Option) Option {
	return func(e *Extension) {
		e.funnelOpts = append(e.funnelOpts, opt)
	}
}

// WithPlugin registers a funnel plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.funnelOpts = append(e.funnelOpts, funnel.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents mounting the HTTP API.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDisableSweeps stops the in-process sweep loop.
func WithDisableSweeps() Option {
	return func(e *Extension) { e.config.DisableSweeps = true }
}

// WithBasePath sets the URL prefix for funnel routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithSweepInterval sets how often the sweeps run.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.SweepInterval = d }
}

// WithSweepBatchSize sets the sweep batch size.
func WithSweepBatchSize(n int) Option {
	return func(e *Extension) { e.config.SweepBatchSize = n }
}

// WithCostCacheTTL sets the tariff and settings cache duration.
func WithCostCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.CostCacheTTL = d }
}

// WithDefinitions installs the YAML definitions file at path on start.
func WithDefinitions(path string) Option {
	return func(e *Extension) { e.config.Definitions = path }
}

// WithGroveDatabase builds the store from a grove database. driver is
// "postgres", "sqlite" or "mongo".
func WithGroveDatabase(db *grove.DB, driver string) Option {
	return func(e *Extension) {
		e.groveDB = db
		e.groveDriver = driver
	}
}
