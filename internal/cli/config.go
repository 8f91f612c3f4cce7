package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/bonus"
)

// Config is the daemon configuration file.
//
//	[api]
//	listen = ":8080"
//	request_timeout = "15s"
//
//	[sweeps]
//	interval = "1m"
//
//	[engine]
//	revocation_policy = "clamp_at_zero"
//
//	[definitions]
//	files = ["funnel.yaml"]
type Config struct {
	API         APIConfig         `toml:"api"`
	Sweeps      SweepsConfig      `toml:"sweeps"`
	Engine      EngineConfig      `toml:"engine"`
	Definitions DefinitionsConfig `toml:"definitions"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Listen          string        `toml:"listen"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	Metrics         bool          `toml:"metrics"`
}

// SweepsConfig configures the in-process sweep ticker.
type SweepsConfig struct {
	Enabled   bool          `toml:"enabled"`
	Interval  time.Duration `toml:"interval"`
	BatchSize int           `toml:"batch_size"`
}

// EngineConfig tunes the engine and its logger.
type EngineConfig struct {
	RevocationPolicy string        `toml:"revocation_policy"`
	MaxCascade       int           `toml:"max_cascade"`
	MaxImmersionHops int           `toml:"max_immersion_hops"`
	CostCacheTTL     time.Duration `toml:"cost_cache_ttl"`
	NotifyBuffer     int           `toml:"notify_buffer"`
	LogLevel         string        `toml:"log_level"`
	LogFormat        string        `toml:"log_format"`
}

// DefinitionsConfig lists YAML definition files installed at startup.
type DefinitionsConfig struct {
	Files []string `toml:"files"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Listen:          ":8080",
			RequestTimeout:  15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Metrics:         true,
		},
		Sweeps: SweepsConfig{
			Enabled:   true,
			Interval:  time.Minute,
			BatchSize: funnel.DefaultSweepBatchSize,
		},
		Engine: EngineConfig{
			RevocationPolicy: bonus.PolicyClampAtZero,
			MaxCascade:       funnel.DefaultMaxCascade,
			MaxImmersionHops: funnel.DefaultMaxImmersionHops,
			CostCacheTTL:     funnel.DefaultCostCacheTTL,
			NotifyBuffer:     funnel.DefaultNotifyBuffer,
			LogLevel:         "info",
			LogFormat:        "text",
		},
	}
}

// LoadConfig reads path over DefaultConfig. An empty path yields the
// defaults. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values a file can get wrong.
func (c Config) Validate() error {
	var errs []error
	if c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required"))
	}
	if c.Sweeps.Enabled && c.Sweeps.Interval <= 0 {
		errs = append(errs, errors.New("sweeps.interval must be positive when sweeps are enabled"))
	}
	switch c.Engine.RevocationPolicy {
	case "", bonus.PolicyClampAtZero, bonus.PolicyStrict:
	default:
		errs = append(errs, fmt.Errorf("engine.revocation_policy: unknown policy %q", c.Engine.RevocationPolicy))
	}
	if _, err := parseLevel(c.Engine.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Engine.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("engine.log_format: unknown format %q", c.Engine.LogFormat))
	}
	return errors.Join(errs...)
}

// EngineOptions translates the file into engine options.
func (c Config) EngineOptions(logger *slog.Logger) []funnel.Option {
	return []funnel.Option{
		funnel.WithLogger(logger),
		funnel.WithRevocationPolicy(bonus.PolicyByName(c.Engine.RevocationPolicy)),
		funnel.WithSweepBatchSize(c.Sweeps.BatchSize),
		funnel.WithMaxCascade(c.Engine.MaxCascade),
		funnel.WithMaxImmersionHops(c.Engine.MaxImmersionHops),
		funnel.WithCostCacheTTL(c.Engine.CostCacheTTL),
		funnel.WithNotifyBuffer(c.Engine.NotifyBuffer),
	}
}

// Logger builds the process logger on stderr.
func (c Config) Logger() *slog.Logger {
	level, _ := parseLevel(c.Engine.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.Engine.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("engine.log_level: %w", err)
	}
	return level, nil
}
