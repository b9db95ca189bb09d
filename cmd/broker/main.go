// Package main is the entry point for the Switchboard broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/switchboard/switchboard/internal/artifact"
	"github.com/switchboard/switchboard/internal/broker"
	"github.com/switchboard/switchboard/internal/config"
	"github.com/switchboard/switchboard/internal/history"
	"github.com/switchboard/switchboard/internal/plugin"
	"github.com/switchboard/switchboard/pkg/log"
	"github.com/switchboard/switchboard/pkg/metrics"
	"github.com/switchboard/switchboard/pkg/tracing"
)

// Build information, set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const configWatchDebounce = 500 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (SWITCHBOARD_* env vars apply on top)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.Log.Level, cfg.Log.Format).With("service", "broker")

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_time", buildTime).
		Str("go_version", runtime.Version()).
		Msg("starting Switchboard broker")

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Initialize metrics
	m := metrics.NewBrokerMetrics()
	logger.Info().Msg("metrics initialized")

	// Initialize tracing
	var tracer *tracing.Tracer
	if cfg.Observability.TracingEnabled && cfg.Observability.TracingEndpoint != "" {
		tracer, err = tracing.InitTracer(tracing.Config{
			ServiceName:    "switchboard-broker",
			ServiceVersion: version,
			Endpoint:       cfg.Observability.TracingEndpoint,
			Insecure:       cfg.Observability.TracingInsecure,
			SampleRate:     cfg.Observability.TracingSampleRate,
			Environment:    cfg.Observability.Environment,
			Enabled:        true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize tracing - continuing without tracing")
		} else {
			logger.Info().
				Str("endpoint", cfg.Observability.TracingEndpoint).
				Float64("sample_rate", cfg.Observability.TracingSampleRate).
				Msg("tracing initialized")
		}
	} else {
		logger.Info().Msg("tracing disabled")
	}

	// Open the command history journal
	var journal *history.Journal
	if cfg.HistoryEnabled() {
		journal, err = history.NewJournal(cfg.History.Path, componentLogger(cfg, "history"), m.Broker)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.History.Path).Msg("failed to open history journal")
		}
		defer journal.Close()

		sweeper := history.NewSweeper(journal,
			cfg.History.CleanupInterval.Std(),
			cfg.History.Retention.Std(),
			componentLogger(cfg, "history_sweeper"))
		sweeper.Start(ctx)

		logger.Info().Str("path", cfg.History.Path).Msg("history journal opened")
	} else {
		logger.Info().Msg("history journal disabled")
	}

	// Create artifact storage for oversized results
	var store *artifact.Store
	var offloader *artifact.Offloader
	if cfg.StorageEnabled() {
		store, offloader, err = createArtifactStore(ctx, cfg, logger, m)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create artifact store")
		}
	} else {
		logger.Info().Msg("artifact store disabled")
	}

	// Load the plugin catalogue
	plugins := plugin.NewRegistry(cfg.Plugins.Dir, componentLogger(cfg, "plugins"))
	if result, err := plugins.Reload(); err != nil {
		logger.Warn().Err(err).Str("dir", cfg.Plugins.Dir).Msg("initial plugin load failed - starting with an empty catalogue")
	} else {
		logger.Info().
			Int("manifests", result.ManifestsLoaded).
			Int("commands", len(result.Commands)).
			Msg("plugin catalogue loaded")
	}

	// Create the broker
	b := broker.New(cfg, plugins, logger, broker.Options{
		Metrics:   m,
		Journal:   journal,
		Offloader: offloader,
		Store:     store,
	})
	b.Start()

	// Watch the plugin directory for hot reload
	var pluginWatcher *plugin.Watcher
	if cfg.Plugins.EnableHotReload {
		pluginWatcher, err = plugin.NewWatcher(cfg.Plugins.Dir,
			cfg.Plugins.WatchDebounce.Std(),
			componentLogger(cfg, "plugin_watcher"))
		if err != nil {
			logger.Warn().Err(err).Str("dir", cfg.Plugins.Dir).Msg("plugin hot reload not available")
		} else {
			pluginWatcher.OnChange(func() {
				// ReloadPlugins logs and counts failures itself.
				_, _ = b.ReloadPlugins("watcher")
			})
			pluginWatcher.Start()
		}
	}

	// Watch the config file and broadcast changes
	var cfgWatcher *config.Watcher
	if *configPath != "" {
		cfgWatcher, err = config.NewWatcher(*configPath, cfg, configWatchDebounce, componentLogger(cfg, "config_watcher"))
		if err != nil {
			logger.Warn().Err(err).Msg("config hot reload not available")
		} else {
			cfgWatcher.OnReload(func(oldCfg, newCfg *config.Config) {
				applyConfigUpdate(b, logger, oldCfg, newCfg)
			})
			cfgWatcher.Start()
		}
	}

	// Create the HTTP server serving /ws, /healthz, /readyz, and /metrics
	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      b.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	// Channel to collect errors from the server
	errCh := make(chan error, 1)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	logger.Info().
		Str("addr", cfg.Server.ListenAddr).
		Int("max_clients", cfg.Fabric.MaxClients).
		Bool("history", cfg.HistoryEnabled()).
		Bool("artifact_store", cfg.StorageEnabled()).
		Bool("hot_reload", cfg.Plugins.EnableHotReload).
		Msg("Switchboard broker started")

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	// Initiate graceful shutdown
	logger.Info().Msg("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	var shutdownErr error

	// Shutdown tracer first (to flush any pending spans)
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown error")
			shutdownErr = err
		} else {
			logger.Info().Msg("tracer shutdown complete")
		}
	}

	// Stop the filesystem watchers
	if cfgWatcher != nil {
		if err := cfgWatcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("config watcher shutdown error")
			shutdownErr = err
		}
	}
	if pluginWatcher != nil {
		if err := pluginWatcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("plugin watcher shutdown error")
			shutdownErr = err
		}
	}

	// Stop accepting new connections, then close the live ones
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
		shutdownErr = err
	}
	b.Stop()

	if shutdownErr != nil {
		logger.Error().Msg("shutdown completed with errors")
		os.Exit(1)
	}

	logger.Info().Msg("shutdown completed successfully")
}

// componentLogger builds a slog logger for the subsystems that log through
// log/slog rather than zerolog, honoring the configured level.
func componentLogger(cfg *config.Config, component string) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With("component", component)
}

// createArtifactStore builds the S3/MinIO store, the offloader that moves
// oversized results into it, and the retention sweep.
func createArtifactStore(ctx context.Context, cfg *config.Config, logger log.Logger, m *metrics.Metrics) (*artifact.Store, *artifact.Offloader, error) {
	store, err := artifact.NewStore(artifact.StoreConfig{
		Endpoint:        cfg.Storage.Endpoint,
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		UseSSL:          cfg.Storage.UseSSL,
		URLExpiry:       cfg.Storage.URLExpiry.Std(),
	}, componentLogger(cfg, "artifact_store"))
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}

	setupCtx, setupCancel := context.WithTimeout(ctx, 30*time.Second)
	defer setupCancel()

	if err := store.EnsureBucket(setupCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to ensure bucket exists - artifact offload may not work")
	}
	if err := store.HealthCheck(setupCtx); err != nil {
		logger.Warn().Err(err).Msg("artifact store health check failed")
	} else {
		logger.Info().
			Str("bucket", cfg.Storage.Bucket).
			Str("endpoint", cfg.Storage.Endpoint).
			Msg("artifact store initialized")
	}

	offloader := artifact.NewOffloader(store, int(cfg.Storage.Threshold), m.Broker, componentLogger(cfg, "artifact_offload"))

	cleanup := artifact.NewCleanupService(store, artifact.CleanupConfig{
		Interval:  cfg.Storage.CleanupInterval.Std(),
		Retention: cfg.Storage.Retention.Std(),
		BatchSize: cfg.Storage.CleanupBatchSize,
	}, componentLogger(cfg, "artifact_cleanup"))
	cleanup.Start(ctx)

	return store, offloader, nil
}

// applyConfigUpdate handles a config file change: hot-applicable fields take
// effect immediately, the rest are announced as requiring a restart, and the
// redacted result is broadcast to every connected client.
func applyConfigUpdate(b *broker.Broker, logger log.Logger, oldCfg, newCfg *config.Config) {
	if newCfg.Log.Level != oldCfg.Log.Level {
		log.SetGlobalLevel(newCfg.Log.Level)
		logger.Info().Str("level", newCfg.Log.Level).Msg("log level updated")
	}

	if fields := restartRequired(oldCfg, newCfg); len(fields) > 0 {
		logger.Warn().Any("fields", fields).Msg("config changes require a restart to take effect")
	}

	b.BroadcastConfigUpdate(newCfg)
}

// restartRequired lists changed fields that a running broker cannot apply.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	var fields []string
	if newCfg.Server != oldCfg.Server {
		fields = append(fields, "server")
	}
	if newCfg.Fabric != oldCfg.Fabric {
		fields = append(fields, "fabric")
	}
	if newCfg.Plugins != oldCfg.Plugins {
		fields = append(fields, "plugins")
	}
	if newCfg.Auth != oldCfg.Auth {
		fields = append(fields, "auth")
	}
	if newCfg.History != oldCfg.History {
		fields = append(fields, "history")
	}
	if newCfg.Storage != oldCfg.Storage {
		fields = append(fields, "storage")
	}
	if newCfg.Observability != oldCfg.Observability {
		fields = append(fields, "observability")
	}
	return fields
}
