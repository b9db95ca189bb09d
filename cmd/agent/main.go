// Package main is the entrypoint for the Switchboard agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/switchboard/switchboard/internal/agent"
	"github.com/switchboard/switchboard/pkg/log"
	"github.com/switchboard/switchboard/pkg/metrics"
	"github.com/switchboard/switchboard/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := agent.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := log.NewWithWriter(cfg.LogLevel, cfg.LogFormat, os.Stderr).With("service", "agent")
	logger.Info().
		Str("version", agent.Version).
		Str("broker_url", cfg.BrokerURL).
		Str("user_session", cfg.UserSession).
		Int("pool_size", cfg.PoolSize).
		Msg("starting Switchboard agent")

	// Initialize metrics
	agentMetrics := metrics.NewAgentMetrics()

	// Initialize tracing if configured
	var tracer *tracing.Tracer
	tracingEndpoint := os.Getenv("SWITCHBOARD_AGENT_TRACING_ENDPOINT")
	tracingEnabled := os.Getenv("SWITCHBOARD_AGENT_TRACING_ENABLED") == "true"
	if tracingEnabled && tracingEndpoint != "" {
		tracer, err = tracing.InitTracer(tracing.Config{
			ServiceName:    "switchboard-agent",
			ServiceVersion: agent.Version,
			Endpoint:       tracingEndpoint,
			Insecure:       os.Getenv("SWITCHBOARD_AGENT_TRACING_INSECURE") != "false",
			SampleRate:     1.0,
			Environment:    os.Getenv("SWITCHBOARD_ENVIRONMENT"),
			Enabled:        true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize tracing - continuing without tracing")
		} else {
			logger.Info().Str("endpoint", tracingEndpoint).Msg("tracing initialized")
		}
	} else {
		logger.Info().Msg("tracing disabled")
	}

	// The agent exposes no HTTP surface unless a metrics address is set.
	var metricsServer *http.Server
	if addr := os.Getenv("SWITCHBOARD_AGENT_METRICS_ADDR"); addr != "" {
		metricsServer = &http.Server{
			Addr:         addr,
			Handler:      agentMetrics.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", addr).Msg("starting agent metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	// Create agent
	agnt, err := agent.New(cfg, logger, agentMetrics)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start agent in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := agnt.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		logger.Error().Err(err).Msg("agent error")
		return err
	}

	// Graceful shutdown
	logger.Info().Msg("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown tracer first
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown error")
		} else {
			logger.Info().Msg("tracer shutdown complete")
		}
	}

	// Shutdown metrics server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	// Stop drains queued commands before closing the connection, so it runs
	// before the root context is cancelled.
	if err := agnt.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		return err
	}

	logger.Info().Msg("agent shutdown complete")
	return nil
}
