// Command aggregation-job-driver runs the Aggregation Job Driver, stepping
// leased aggregation jobs through the VDAF preparation protocol against the
// helper and accumulating output shares (spec.md §4.6/§4.8).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/divviup/ppm-aggregator/internal/aggregation"
	"github.com/divviup/ppm-aggregator/internal/cache"
	"github.com/divviup/ppm-aggregator/internal/config"
	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage/postgres"
	"github.com/divviup/ppm-aggregator/internal/helper"
	"github.com/divviup/ppm-aggregator/internal/lease"
	"github.com/divviup/ppm-aggregator/internal/migrations"
	"github.com/divviup/ppm-aggregator/internal/server"
)

func main() {
	configPath := flag.String("config", "aggregation-job-driver.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[AggregationJobDriver] failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		slog.Error("[AggregationJobDriver] failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	if err := migrations.RunMigrations(db, cfg.Database.AutoMigrate); err != nil {
		slog.Error("[AggregationJobDriver] failed to run migrations", "error", err)
		os.Exit(1)
	}
	ds := postgres.New(db)

	rowCrypter, err := cfg.Crypter.Build()
	if err != nil {
		slog.Error("[AggregationJobDriver] failed to build row crypter", "error", err)
		os.Exit(1)
	}

	tasks, err := dap.NewFileSystemTaskRepository(cfg.Aggregation.ConfigDir, rowCrypter)
	if err != nil {
		slog.Error("[AggregationJobDriver] failed to load tasks", "dir", cfg.Aggregation.ConfigDir, "error", err)
		os.Exit(1)
	}

	taskCache := cache.NewTaskCache(cache.DefaultTaskCacheCapacity, cfg.Aggregation.TasksRefreshInterval(), tasks.Task)

	leases := lease.New(ds, cfg.Lease.LeaseDuration(), cfg.Lease.ClockSkewAllowance(), cfg.Lease.MaximumAttemptsBeforeFailure)
	writer := aggregation.NewWriter(ds)
	client := helper.New()
	driver := aggregation.NewDriver(ds, writer, leases, client, taskCache, aggregation.DriverParams{
		MaxConcurrentJobs:          cfg.Lease.MaxConcurrentJobWorkers,
		BatchAggregationShardCount: cfg.Aggregation.BatchAggregationShardCount,
	})

	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), db, cfg.Server.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runDriverLoop(ctx, driver, cfg.Lease.DiscoveryInterval())

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("[AggregationJobDriver] signal received, shutting down")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		slog.Error("[AggregationJobDriver] server stopped with error", "error", err)
	}
	slog.Info("[AggregationJobDriver] shutdown complete")
}

// runDriverLoop calls RunOnce once per tick of a fixed poll interval
// (spec.md §6 job_discovery_interval), whether or not the previous tick
// acquired any lease.
func runDriverLoop(ctx context.Context, driver *aggregation.Driver, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := driver.RunOnce(ctx, time.Now()); err != nil {
				slog.Error("[AggregationJobDriver] run once failed", "error", err)
			}
		}
	}
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
