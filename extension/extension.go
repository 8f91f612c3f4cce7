// Package extension provides the Forge extension adapter for Funnel.
//
// It implements the forge.Extension interface to integrate the funnel
// engine into a Forge application with DI registration, definition loading,
// the periodic sweep loop and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.funnel" or "funnel" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/definition"
	"github.com/xraph/funnel/httpapi"
	"github.com/xraph/funnel/store"
	"github.com/xraph/funnel/store/memory"
	"github.com/xraph/funnel/store/mongo"
	"github.com/xraph/funnel/store/postgres"
	"github.com/xraph/funnel/store/sqlite"

	"github.com/xraph/grove"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "funnel"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Credit ledger and user lifecycle funnel engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Funnel as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config      Config
	engine      *funnel.Funnel
	store       store.Store
	funnelOpts  []funnel.Option
	groveDB     *grove.DB
	groveDriver string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Funnel Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Funnel instance.
// This is nil until Register is called.
func (e *Extension) Engine() *funnel.Funnel { return e.engine }

// Config returns the resolved configuration.
func (e *Extension) Config() Config { return e.config }

// Register implements [forge.Extension]. It loads configuration,
// initializes the funnel engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.init(); err != nil {
		return err
	}

	return vessel.Provide(fapp.Container(), func() (*funnel.Funnel, error) {
		return e.engine, nil
	})
}

// init builds the store and the engine from the resolved config.
func (e *Extension) init() error {
	if e.store == nil {
		s, err := e.buildStore()
		if err != nil {
			return err
		}
		e.store = s
	}

	opts, err := e.buildFunnelOpts()
	if err != nil {
		return err
	}
	e.engine = funnel.New(e.store, opts...)
	return nil
}

// buildStore picks the grove backend, or memory when none was given.
func (e *Extension) buildStore() (store.Store, error) {
	if e.groveDB == nil {
		return memory.New(), nil
	}
	switch strings.ToLower(e.groveDriver) {
	case "postgres", "pg":
		return postgres.New(e.groveDB), nil
	case "sqlite":
		return sqlite.New(e.groveDB), nil
	case "mongo", "mongodb":
		return mongo.New(e.groveDB), nil
	default:
		return nil, fmt.Errorf("funnel: unknown grove driver %q", e.groveDriver)
	}
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("funnel: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	if e.config.Definitions != "" {
		if err := e.installDefinitions(ctx); err != nil {
			return err
		}
	}

	if !e.config.DisableSweeps && e.config.SweepInterval > 0 {
		sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.cancel = cancel
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.engine.RunSweeps(sweepCtx, e.config.SweepInterval)
		}()
	}

	e.MarkStarted()
	return nil
}

func (e *Extension) installDefinitions(ctx context.Context) error {
	set, err := definition.LoadFile(e.config.Definitions)
	if err != nil {
		return err
	}
	sum, err := set.Apply(ctx, e.engine)
	if err != nil {
		return err
	}
	e.Logger().Debug("funnel: definitions installed",
		forge.F("file", e.config.Definitions),
		forge.F("graphs", sum.Graphs),
		forge.F("activated", sum.Activated),
		forge.F("rules", sum.Rules),
		forge.F("templates", sum.Templates),
		forge.F("tariffs", sum.Tariffs),
	)
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
	}
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("funnel: store not initialized")
	}
	return e.store.Ping(ctx)
}

// Handler returns the HTTP API mounted under BasePath, or nil when routes
// are disabled.
func (e *Extension) Handler(opts ...httpapi.Option) http.Handler {
	if e.config.DisableRoutes || e.engine == nil {
		return nil
	}
	r := chi.NewRouter()
	r.Mount(e.config.BasePath, httpapi.New(e.engine, opts...).Handler())
	return r
}

// buildFunnelOpts constructs funnel.Option values from the resolved config.
func (e *Extension) buildFunnelOpts() ([]funnel.Option, error) {
	opts := make([]funnel.Option, 0, len(e.funnelOpts)+5)

	if e.config.DisableMigrate {
		opts = append(opts, funnel.WithAutoMigrate(false))
	}

	if e.config.SweepBatchSize > 0 {
		opts = append(opts, funnel.WithSweepBatchSize(e.config.SweepBatchSize))
	}
	if e.config.CostCacheTTL > 0 {
		opts = append(opts, funnel.WithCostCacheTTL(e.config.CostCacheTTL))
	}
	if e.config.MaxCascade > 0 {
		opts = append(opts, funnel.WithMaxCascade(e.config.MaxCascade))
	}
	policy, err := revocationPolicy(e.config.RevocationPolicy)
	if err != nil {
		return nil, err
	}
	opts = append(opts, funnel.WithRevocationPolicy(policy))

	// Pass-through options win over config.
	opts = append(opts, e.funnelOpts...)

	return opts, nil
}

func revocationPolicy(name string) (bonus.RevocationPolicy, error) {
	switch name {
	case "", "clamp", bonus.PolicyClampAtZero:
		return bonus.ClampAtZero, nil
	case bonus.PolicyStrict:
		return bonus.Strict, nil
	default:
		return nil, fmt.Errorf("funnel: unknown revocation policy %q", name)
	}
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("funnel: configuration is required but not found in config files; " +
				"ensure 'extensions.funnel' or 'funnel' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("funnel: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_sweeps", e.config.DisableSweeps),
		forge.F("base_path", e.config.BasePath),
		forge.F("sweep_interval", e.config.SweepInterval),
		forge.F("sweep_batch_size", e.config.SweepBatchSize),
		forge.F("revocation_policy", e.config.RevocationPolicy),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.funnel", "funnel"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("funnel: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("funnel: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = defaults.SweepBatchSize
	}
	if cfg.CostCacheTTL == 0 {
		cfg.CostCacheTTL = defaults.CostCacheTTL
	}
	if cfg.MaxCascade == 0 {
		cfg.MaxCascade = defaults.MaxCascade
	}
	if cfg.RevocationPolicy == "" {
		cfg.RevocationPolicy = defaults.RevocationPolicy
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableSweeps {
		yamlConfig.DisableSweeps = true
	}

	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.RevocationPolicy == "" {
		yamlConfig.RevocationPolicy = programmaticConfig.RevocationPolicy
	}
	if yamlConfig.Definitions == "" {
		yamlConfig.Definitions = programmaticConfig.Definitions
	}

	if yamlConfig.SweepInterval == 0 {
		yamlConfig.SweepInterval = programmaticConfig.SweepInterval
	}
	if yamlConfig.SweepBatchSize == 0 {
		yamlConfig.SweepBatchSize = programmaticConfig.SweepBatchSize
	}
	if yamlConfig.CostCacheTTL == 0 {
		yamlConfig.CostCacheTTL = programmaticConfig.CostCacheTTL
	}
	if yamlConfig.MaxCascade == 0 {
		yamlConfig.MaxCascade = programmaticConfig.MaxCascade
	}

	return mergeWithDefaults(yamlConfig)
}
