// Package main provides the entry point for the tracealign server.
// It serves timeline correlation of sandbox reports and keylogger captures over HTTP.
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

	"go.uber.org/zap"

	"github.com/lvonguyen/tracealign/internal/api"
	"github.com/lvonguyen/tracealign/internal/api/gateway"
	"github.com/lvonguyen/tracealign/internal/cache"
	"github.com/lvonguyen/tracealign/internal/config"
	"github.com/lvonguyen/tracealign/internal/observability"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tracealign %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tracealign: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    "tracealign",
		ServiceVersion: Version,
		Environment:    cfg.Logging.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		MetricsEnabled: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger()
	defer tel.Shutdown(context.Background())

	logger.Info("Starting tracealign",
		zap.String("version", Version),
		zap.String("config", configPath),
		zap.Float64("interval", cfg.Correlation.TimeInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := api.Options{
		Correlation:  cfg.Correlation,
		Metrics:      tel.Metrics(),
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Version:      Version,
	}

	if cfg.Redis.Enabled {
		client := cache.NewClient(cfg.Redis)
		defer client.Close()

		opts.Cache = cache.New(client, cfg.Redis.CacheTTL, logger)
		if err := opts.Cache.Ping(ctx); err != nil {
			logger.Warn("Redis unavailable at startup, requests will bypass the cache", zap.Error(err))
		} else {
			logger.Info("Result cache initialized", zap.String("addr", cfg.Redis.Addr))
		}

		if cfg.RateLimit.Enabled {
			opts.RateLimiter = gateway.NewRateLimiter(client, cfg.RateLimit, logger)
		}
	} else if cfg.RateLimit.Enabled {
		logger.Warn("Rate limiting needs redis, disabled")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewHandler(opts).Router(tel.MetricsHandler()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}
