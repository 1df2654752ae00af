// Command aggregation-job-creator runs the Aggregation Job Creator, draining
// each task's unaggregated reports into jobs and batch memberships on a
// jittered per-task schedule (spec.md §4.3/§5).
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

	_ "github.com/lib/pq"

	"github.com/divviup/ppm-aggregator/internal/aggregation"
	"github.com/divviup/ppm-aggregator/internal/config"
	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage/postgres"
	"github.com/divviup/ppm-aggregator/internal/lease"
	"github.com/divviup/ppm-aggregator/internal/migrations"
	"github.com/divviup/ppm-aggregator/internal/server"
)

func main() {
	configPath := flag.String("config", "aggregation-job-creator.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[AggregationJobCreator] failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		slog.Error("[AggregationJobCreator] failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	if err := migrations.RunMigrations(db, cfg.Database.AutoMigrate); err != nil {
		slog.Error("[AggregationJobCreator] failed to run migrations", "error", err)
		os.Exit(1)
	}
	ds := postgres.New(db)

	rowCrypter, err := cfg.Crypter.Build()
	if err != nil {
		slog.Error("[AggregationJobCreator] failed to build row crypter", "error", err)
		os.Exit(1)
	}

	tasks, err := dap.NewFileSystemTaskRepository(cfg.Aggregation.ConfigDir, rowCrypter)
	if err != nil {
		slog.Error("[AggregationJobCreator] failed to load tasks", "dir", cfg.Aggregation.ConfigDir, "error", err)
		os.Exit(1)
	}

	leases := lease.New(ds, cfg.Lease.LeaseDuration(), cfg.Lease.ClockSkewAllowance(), cfg.Lease.MaximumAttemptsBeforeFailure)
	creator := aggregation.NewCreator(ds, leases, aggregation.CreatorParams{
		MinJobSize: cfg.Aggregation.MinAggregationJobSize,
		MaxJobSize: cfg.Aggregation.MaxAggregationJobSize,
	})
	scheduler := aggregation.NewScheduler(tasks, creator, aggregation.SchedulerParams{
		CreationInterval:     cfg.Aggregation.CreationInterval(),
		TasksUpdateFrequency: cfg.Aggregation.TasksRefreshInterval(),
	})

	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), db, cfg.Server.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Aggregation.Enabled {
		go func() {
			if err := scheduler.Start(ctx); err != nil {
				slog.Error("[AggregationJobCreator] scheduler stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("[AggregationJobCreator] disabled by config")
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("[AggregationJobCreator] signal received, shutting down")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		slog.Error("[AggregationJobCreator] server stopped with error", "error", err)
	}
	slog.Info("[AggregationJobCreator] shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
