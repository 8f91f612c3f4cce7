package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/definition"
	"github.com/xraph/funnel/httpapi"
	"github.com/xraph/funnel/observability"
	"github.com/xraph/funnel/store/memory"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sweep ticker",
		Long: `Run the engine on the in-memory store, install the configured
definitions and serve the HTTP API until interrupted.

Examples:
  funnel serve -c funnel.toml
  funnel serve --listen :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(ctx, cfg, cfg.Logger())
			if err != nil {
				return err
			}
			return d.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override api.listen")

	return cmd
}

// daemon owns the engine and its HTTP server for one serve run.
type daemon struct {
	cfg    Config
	logger *slog.Logger
	engine *funnel.Funnel
	server *http.Server
}

// newDaemon starts the engine and installs every definition file.
func newDaemon(ctx context.Context, cfg Config, logger *slog.Logger) (*daemon, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	opts := append(cfg.EngineOptions(logger), funnel.WithPlugin(metrics))
	engine := funnel.New(memory.New(), opts...)
	if err := engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	for _, path := range cfg.Definitions.Files {
		set, err := definition.LoadFile(path)
		if err != nil {
			_ = engine.Stop()
			return nil, err
		}
		sum, err := set.Apply(ctx, engine)
		if err != nil {
			_ = engine.Stop()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		logger.Info("definitions installed",
			"file", path,
			"graphs", sum.Graphs,
			"activated", sum.Activated,
			"rules", sum.Rules,
			"templates", sum.Templates,
			"tariffs", sum.Tariffs,
		)
	}

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithTimeout(cfg.API.RequestTimeout),
	}
	if cfg.API.Metrics {
		apiOpts = append(apiOpts, httpapi.WithMetrics(reg))
	}

	return &daemon{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		server: &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           httpapi.New(engine, apiOpts...).Handler(),
			ReadHeaderTimeout: cfg.API.RequestTimeout,
		},
	}, nil
}

// run serves until ctx is done, then drains the server and the engine.
func (d *daemon) run(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if d.cfg.Sweeps.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.engine.RunSweeps(sweepCtx, d.cfg.Sweeps.Interval)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("funnel listening", "addr", d.server.Addr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.API.ShutdownTimeout)
	defer done()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", "error", err)
	}

	cancel()
	wg.Wait()
	if err := d.engine.Stop(); err != nil {
		d.logger.Warn("engine stop", "error", err)
	}
	d.logger.Info("funnel stopped")
	return serveErr
}
