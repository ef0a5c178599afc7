// Package main wires together the search gateway service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/mkarlsen/kmergate/internal/admission"
	"github.com/mkarlsen/kmergate/internal/api"
	backendpg "github.com/mkarlsen/kmergate/internal/backend/postgres"
	"github.com/mkarlsen/kmergate/internal/clock/system"
	"github.com/mkarlsen/kmergate/internal/config"
	"github.com/mkarlsen/kmergate/internal/executor"
	"github.com/mkarlsen/kmergate/internal/id/jobid"
	ledgersqlite "github.com/mkarlsen/kmergate/internal/ledger/sqlite"
	"github.com/mkarlsen/kmergate/internal/logging"
	memorypublisher "github.com/mkarlsen/kmergate/internal/publisher/memory"
	pubsubpublisher "github.com/mkarlsen/kmergate/internal/publisher/pubsub"
	"github.com/mkarlsen/kmergate/internal/reaper"
	"github.com/mkarlsen/kmergate/internal/search"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := ledgersqlite.Open(cfg.Ledger.Path)
	if err != nil {
		logger.Fatal("open ledger failed", zap.Error(err))
	}
	defer func() {
		if closeErr := ledger.Close(); closeErr != nil {
			logger.Error("close ledger failed", zap.Error(closeErr))
		}
	}()

	backend, err := backendpg.New(ctx, backendpg.Config{
		DSN:      cfg.Backend.DSN(),
		MaxConns: cfg.Backend.MaxConns,
	})
	if err != nil {
		logger.Fatal("connect search engine failed", zap.Error(err))
	}
	defer backend.Close()

	clock := system.New()
	idGen := jobid.New(clock)

	publisher, cleanup, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer cleanup()

	registry := executor.NewRegistry()
	exec := executor.New(
		ledger,
		backend,
		publisher,
		clock,
		registry,
		logger.Named("executor"),
		cfg.Publisher.Topic,
	)

	sweeper := reaper.New(ledger, exec, clock, logger.Named("reaper"), reaper.Config{
		Interval:    cfg.CleanupInterval(),
		Retention:   cfg.ResultRetention(),
		CancelGrace: cfg.CancelGrace(),
	})
	go func() {
		logger.Info("reaper started",
			zap.Duration("interval", cfg.CleanupInterval()),
			zap.Duration("retention", cfg.ResultRetention()),
		)
		sweeper.Run(ctx)
	}()

	apiServer := api.NewServer(
		ledger,
		admission.New(ledger, cfg.Jobs.MaxConcurrent),
		exec,
		backend,
		idGen,
		clock,
		cfg,
		logger.Named("api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildPublisher returns the configured completion-event publisher. With no
// Pub/Sub settings, events are kept in memory (effectively a no-op sink).
func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (search.Publisher, func(), error) {
	if cfg.Publisher.ProjectID == "" {
		return memorypublisher.New(), func() {}, nil
	}

	client, err := gcppubsub.NewClient(ctx, cfg.Publisher.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	cleanup := func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Error("close pubsub client failed", zap.Error(closeErr))
		}
	}
	logger.Info("completion events enabled",
		zap.String("project", cfg.Publisher.ProjectID),
		zap.String("topic", cfg.Publisher.Topic),
	)
	return pubsubpublisher.New(client.Publisher(cfg.Publisher.Topic)), cleanup, nil
}
