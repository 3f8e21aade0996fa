// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package main

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/custodywatch/internal/config"
	"github.com/tomtom215/custodywatch/internal/database"
	"github.com/tomtom215/custodywatch/internal/detection"
)

func TestScanConfigMapping(t *testing.T) {
	in := config.ScanConfig{
		LookbackWindow:            48 * time.Hour,
		FrequentTransferWindow:    12 * time.Hour,
		DedupWindow:               6 * time.Hour,
		RapidExchangeWindow:       2 * time.Hour,
		FrequentTransferThreshold: 7,
		MinClusterHandlers:        9,
		MaxClusters:               4,
		UnusualPatternMinScore:    65,
		MergeConcurrency:          3,
	}

	got := scanConfig(&in)
	want := detection.ScanConfig{
		LookbackWindow:            48 * time.Hour,
		FrequentTransferWindow:    12 * time.Hour,
		DedupWindow:               6 * time.Hour,
		RapidExchangeWindow:       2 * time.Hour,
		FrequentTransferThreshold: 7,
		MinClusterHandlers:        9,
		MaxClusters:               4,
		UnusualPatternMinScore:    65,
		MergeConcurrency:          3,
	}
	if got != want {
		t.Errorf("scanConfig() = %+v, want %+v", got, want)
	}
}

func TestOpenSource(t *testing.T) {
	db, err := database.New(&config.DatabaseConfig{Threads: 1})
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	defer db.Close()

	tests := []struct {
		name       string
		driver     string
		wantErr    bool
		wantChecks int
	}{
		{name: "duckdb", driver: "duckdb", wantChecks: 1},
		{name: "empty defaults to duckdb", driver: "", wantChecks: 1},
		{name: "unknown driver", driver: "oracle", wantErr: true},
		{name: "postgres without dsn", driver: "postgres", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Source: config.SourceConfig{Driver: tt.driver}}
			src, err := openSource(context.Background(), cfg, db)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("openSource: %v", err)
			}
			defer src.Close()

			if len(src.HealthChecks()) != tt.wantChecks {
				t.Errorf("health checks = %d, want %d", len(src.HealthChecks()), tt.wantChecks)
			}
			if _, err := src.EventsSince(context.Background(), time.Time{}); err != nil {
				t.Errorf("EventsSince: %v", err)
			}
		})
	}
}
