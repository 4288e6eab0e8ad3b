package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fieldops-hq/fieldops/pkg/api"
	"github.com/fieldops-hq/fieldops/pkg/config"
	"github.com/fieldops-hq/fieldops/pkg/observability"
	"github.com/fieldops-hq/fieldops/pkg/planner"
	"github.com/fieldops-hq/fieldops/pkg/ratelimit"
	"github.com/fieldops-hq/fieldops/pkg/registry"
	"github.com/fieldops-hq/fieldops/pkg/store"
)

// openStore picks the backend from the DSN scheme.
func openStore(databaseURL string) (store.Store, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return store.OpenPostgres(databaseURL)
	}
	return store.OpenSQLite(databaseURL)
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	logger := observability.SetupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "fieldops-api",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.OTELEnabled,
		Insecure:       true,
		BatchTimeout:   5 * time.Second,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	reg, err := registry.Load(cfg.CatalogPath)
	if err != nil {
		logger.Error("catalog load failed", "path", cfg.CatalogPath, "error", err)
		return 1
	}
	logger.Info("catalog loaded", "version", reg.Version(), "tools", len(reg.All()))

	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("store open failed", "error", err)
		return 1
	}

	var limiter ratelimit.Limiter
	policy := ratelimit.DefaultPolicy()
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisLimiter(cfg.RedisAddr, "", 0, policy)
		logger.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewLocalLimiter(policy)
	}

	pl := planner.New(st, reg, nil, logger)
	_, handler := api.NewServer(st, reg, pl, api.Options{
		JWTSecret: cfg.APIJWTSecret,
		Limiter:   limiter,
		Policy:    policy,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}
