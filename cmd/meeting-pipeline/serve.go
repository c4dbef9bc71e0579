package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
	"github.com/skypro1111/meeting-audio-pipeline/internal/server"
	"github.com/skypro1111/meeting-audio-pipeline/internal/session"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Long:  "Runs the session manager behind the HTTP control and monitoring API. Sessions are created and driven over HTTP; live events stream over websockets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	a, err := bootstrap(configPath, appMetrics)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	if !a.cfg.HTTP.Enabled {
		return fmt.Errorf("http server is disabled in %s", configPath)
	}

	manager, err := session.NewManager(logger, session.ManagerConfig{
		Session:         a.session,
		IdleTimeout:     a.cfg.Session.GetIdleTimeout(),
		CleanupInterval: a.cfg.Session.GetCleanupInterval(),
		MaxSessions:     a.cfg.Session.MaxSessions,
	}, a.deps(), appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", a.cfg.Session.GetIdleTimeout()),
		slog.Int("max_sessions", a.cfg.Session.MaxSessions),
	)

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:    a.cfg.HTTP.Port,
		Address: a.cfg.HTTP.Address,
	}, logger, a.cfg, manager, appMetrics)

	if err := httpServer.Start(); err != nil {
		manager.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", a.cfg.HTTP.Address, a.cfg.HTTP.Port)),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stops every recording session and the cleanup routine
	manager.Stop()

	stats := a.speech.GetStats()
	logger.Info("Final speech client statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
	return nil
}
