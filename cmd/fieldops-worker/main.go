// fieldops-worker runs the executor fleet: N claim-loop workers, the lease
// sweeper, and the optional S3 receipt archiver. It shares the datastore and
// tool catalog with the fieldops API service.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fieldops-hq/fieldops/pkg/archive"
	"github.com/fieldops-hq/fieldops/pkg/config"
	"github.com/fieldops-hq/fieldops/pkg/handlers"
	"github.com/fieldops-hq/fieldops/pkg/observability"
	"github.com/fieldops-hq/fieldops/pkg/registry"
	"github.com/fieldops-hq/fieldops/pkg/store"
	"github.com/fieldops-hq/fieldops/pkg/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logger := observability.SetupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "fieldops-worker",
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

	st, domain, err := openStores(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("store open failed", "error", err)
		return 1
	}

	handlerReg := worker.NewHandlerRegistry()
	handlers.Register(handlerReg, domain, nil)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New("", st, reg, handlerReg, worker.Options{
			PollMin:      cfg.PollMin,
			PollMax:      cfg.PollMax,
			StrictOutput: cfg.StrictOutput,
			Metrics:      obs.Metrics(),
			Logger:       logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	sweeper := worker.NewSweeper(st, reg, worker.SweeperOptions{
		Interval:     cfg.SweepInterval,
		SafetyFactor: cfg.LeaseSafety,
		MaxRequeues:  cfg.MaxRequeues,
		Logger:       logger,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if cfg.ArchiveBucket != "" {
		arch, err := archive.New(ctx, st, archive.Config{
			Bucket: cfg.ArchiveBucket,
			Region: os.Getenv("AWS_REGION"),
			Prefix: cfg.ArchivePrefix,
		}, time.Time{}, logger)
		if err != nil {
			logger.Error("archiver init failed", "error", err)
			return 1
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			arch.Run(ctx)
		}()
	}

	logger.Info("worker fleet running", "workers", cfg.WorkerCount)
	<-ctx.Done()
	logger.Info("shutdown requested, draining in-flight calls")
	wg.Wait()
	logger.Info("worker fleet stopped")
	return 0
}

// openStores opens the substrate store and the domain store on the same
// database so handler writes and receipts share one backend.
func openStores(ctx context.Context, databaseURL string) (store.Store, handlers.Domain, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		st, err := store.OpenPostgres(databaseURL)
		if err != nil {
			return nil, nil, err
		}
		domain, err := handlers.NewSQLDomain(ctx, st.DB(), handlers.DialectPostgres)
		if err != nil {
			return nil, nil, err
		}
		return st, domain, nil
	}
	st, err := store.OpenSQLite(databaseURL)
	if err != nil {
		return nil, nil, err
	}
	domain, err := handlers.NewSQLDomain(ctx, st.DB(), handlers.DialectSQLite)
	if err != nil {
		return nil, nil, err
	}
	return st, domain, nil
}
