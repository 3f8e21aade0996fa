// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

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

	_ "time/tzdata" // SCAN_TIMEZONE must resolve in minimal containers

	"github.com/tomtom215/custodywatch/internal/api"
	"github.com/tomtom215/custodywatch/internal/config"
	"github.com/tomtom215/custodywatch/internal/database"
	"github.com/tomtom215/custodywatch/internal/detection"
	"github.com/tomtom215/custodywatch/internal/logging"
	"github.com/tomtom215/custodywatch/internal/supervisor"
	"github.com/tomtom215/custodywatch/internal/supervisor/services"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(cfg.LoggingOptions())

	logging.Info().
		Str("version", version).
		Str("environment", cfg.Server.Environment).
		Str("source", cfg.Source.Driver).
		Str("db_path", cfg.Database.Path).
		Msg("Starting Custodywatch")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := detection.NewDuckDBStore(db.Conn())
	if err := store.InitSchema(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize anomaly schema")
	}

	source, err := openSource(ctx, cfg, db)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open custody source")
	}
	defer source.Close()

	scanner := detection.NewScanner(source, source, store, scanConfig(&cfg.Scan))

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	if err := initNotifications(cfg, scanner, tree); err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize anomaly notifications")
	}

	if cfg.Schedule.Enabled {
		scanSvc, err := services.NewScanService(scanner, &cfg.Schedule)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to create scan scheduler")
		}
		tree.AddScanService(scanSvc)
		logging.Info().
			Str("cron", cfg.Schedule.Cron).
			Bool("run_on_startup", cfg.Schedule.RunOnStartup).
			Msg("Scheduled anomaly scans enabled")
	} else {
		logging.Info().Msg("Scheduled anomaly scans disabled (SCAN_SCHEDULE_ENABLED=false)")
	}

	health := api.NewHealthHandler(version, source.HealthChecks())
	router := api.NewRouter(
		api.NewAnomalyHandlers(store, scanner),
		health,
		api.NewChiMiddleware(api.ChiMiddlewareConfigFromSecurity(&cfg.Security)),
	)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.SetupChi(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	checkpointCtx, checkpointCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer checkpointCancel()
	if err := db.Checkpoint(checkpointCtx); err != nil {
		logging.Warn().Err(err).Msg("Final checkpoint failed")
	}

	logging.Info().Msg("Custodywatch stopped")
}

func scanConfig(c *config.ScanConfig) detection.ScanConfig {
	return detection.ScanConfig{
		LookbackWindow:            c.LookbackWindow,
		FrequentTransferWindow:    c.FrequentTransferWindow,
		DedupWindow:               c.DedupWindow,
		RapidExchangeWindow:       c.RapidExchangeWindow,
		FrequentTransferThreshold: c.FrequentTransferThreshold,
		MinClusterHandlers:        c.MinClusterHandlers,
		MaxClusters:               c.MaxClusters,
		UnusualPatternMinScore:    c.UnusualPatternMinScore,
		MergeConcurrency:          c.MergeConcurrency,
	}
}
