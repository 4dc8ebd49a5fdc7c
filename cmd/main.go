package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kkkkikiki/giftcard/internal/app"
	"github.com/kkkkikiki/giftcard/internal/config"
	"github.com/kkkkikiki/giftcard/internal/logging"
	"github.com/kkkkikiki/giftcard/internal/scheduler"
	"github.com/kkkkikiki/giftcard/internal/server"
	"github.com/kkkkikiki/giftcard/internal/tracing"
)

func main() {
	ctx := context.Background()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.Setup("giftcard", cfg.App.Environment, cfg.App.Level())
	logger.Info("starting giftcard service", slog.String("environment", cfg.App.Environment))

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "giftcard",
		Environment: cfg.App.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", slog.Any("error", err))
		os.Exit(1)
	}

	// Wire database, lock, mailer and engine
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start reward engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("error closing resources", slog.Any("error", err))
		}
	}()

	// Daily sweep and summary
	jobsCtx, stopJobs := context.WithCancel(ctx)
	jobs := scheduler.New(cfg.Schedule.Location(), logger,
		scheduler.Job{Name: "sweep", Hour: cfg.Schedule.SweepHour, Run: func(ctx context.Context) error {
			_, err := a.Coordinator.SweepAll(ctx)
			return err
		}},
		scheduler.Job{Name: "daily_summary", Hour: cfg.Schedule.SummaryHour, Run: a.Engine.SendDailySummary},
	)
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		jobs.Start(jobsCtx)
	}()

	srv := server.New(server.Config{
		Coordinator: a.Coordinator,
		DB:          a.DB,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(srv.Router(), &http2.Server{
			MaxConcurrentStreams: 1000,
		}),
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutting down server")
	case err := <-serverErr:
		logger.Error("server failed", slog.Any("error", err))
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopJobs()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("error", err))
	}
	select {
	case <-jobsDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduled jobs did not stop before the shutdown deadline")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", slog.Any("error", err))
	}

	logger.Info("server exited gracefully")
}
