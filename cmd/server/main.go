package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/catalog"
	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/httpapi"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/mcpserver"
	"github.com/isdmx/execbox/orchestrator"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/supervisor"
	"github.com/isdmx/execbox/telemetry"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the execbox execution server",
	PersistentPreRun: func(*cobra.Command, []string) {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			cobra.CheckErr(err)
		}
	},
	Run: func(*cobra.Command, []string) {
		newApp().Run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (default ./config.yaml or ./config/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newApp() *fx.App {
	return fx.New(
		fx.Provide(
			// Config
			loadConfig,

			// Logger with configuration
			logger.NewFromConfig,

			// Image catalog, launcher backend and supervisor
			catalog.NewFromConfig,
			sandbox.NewBackend,
			supervisor.NewFromConfig,
			newReaper,

			// Telemetry
			newRegistry,
			newSink,

			// Orchestrator and its intake surfaces
			orchestrator.NewFromConfig,
			mcpserver.NewFromConfig,
			httpapi.NewFromConfig,
		),

		fx.Invoke(
			registerBackend,
			registerReaper,
			registerCatalogReload,
			registerTransports,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newSink(log *zap.Logger, reg *prometheus.Registry) telemetry.Sink {
	return telemetry.Multi{
		telemetry.NewLogSink(log),
		telemetry.NewPrometheusSink(reg),
	}
}

func newReaper(log *zap.Logger, cfg *config.Config, backend sandbox.Backend) *supervisor.Reaper {
	return supervisor.NewReaper(log, backend, cfg.Reaper.Interval, cfg.Reaper.MaxAge)
}

func registerBackend(lc fx.Lifecycle, backend sandbox.Backend) {
	lc.Append(fx.StopHook(backend.Close))
}

func registerReaper(lc fx.Lifecycle, cfg *config.Config, reaper *supervisor.Reaper) {
	if !cfg.Reaper.Enabled {
		return
	}
	lc.Append(fx.StartStopHook(reaper.Start, reaper.Stop))
}

// registerCatalogReload re-applies the catalog manifest on SIGHUP
func registerCatalogReload(lc fx.Lifecycle, cfg *config.Config, cat *catalog.Catalog, log *zap.Logger) {
	path := cfg.Sandbox.CatalogManifest
	if path == "" {
		return
	}

	sighup := make(chan os.Signal, 1)
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			signal.Notify(sighup, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-done:
						return
					case <-sighup:
						if err := cat.Reload(path); err != nil {
							log.Error("Catalog reload failed", zap.String("manifest", path), zap.Error(err))
							continue
						}
						log.Info("Catalog reloaded",
							zap.String("manifest", path),
							zap.Strings("languages", cat.Languages()),
							zap.Uint64("version", cat.Version()))
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			signal.Stop(sighup)
			close(done)
			return nil
		},
	})
}

func registerTransports(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	mcp *mcpserver.MCPServer,
	api *httpapi.Server,
) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if cfg.Server.APIPort > 0 {
				api.Start()
			}

			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						log.Error("MCP stdio transport stopped", zap.Error(err))
					}
					// The client closed stdin, nothing left to serve.
					_ = shutdowner.Shutdown()
				}()
			case "http":
				go func() {
					if err := mcp.ServeHTTP(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("MCP HTTP transport stopped", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
					}
				}()
			case "none":
			default:
				return errors.New("unsupported transport: " + cfg.Server.Transport)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var err error
			if cfg.Server.APIPort > 0 {
				err = api.Shutdown(ctx)
			}
			return multierr.Append(err, mcp.Shutdown(ctx))
		},
	})
}
