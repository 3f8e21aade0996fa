// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package main

import (
	"context"
	"fmt"

	"github.com/tomtom215/custodywatch/internal/api"
	"github.com/tomtom215/custodywatch/internal/config"
	"github.com/tomtom215/custodywatch/internal/custody"
	"github.com/tomtom215/custodywatch/internal/custody/pgsource"
	"github.com/tomtom215/custodywatch/internal/database"
	"github.com/tomtom215/custodywatch/internal/logging"
)

// custodySource is the scan input plus what main needs to report on and
// release it.
type custodySource struct {
	custody.Source
	checks map[string]api.Pinger
	close  func()
}

func (s *custodySource) HealthChecks() map[string]api.Pinger {
	return s.checks
}

func (s *custodySource) Close() {
	if s.close != nil {
		s.close()
	}
}

// openSource selects where custody events are read from. The DuckDB driver
// reads the custody tables stored alongside the anomalies.
func openSource(ctx context.Context, cfg *config.Config, db *database.DB) (*custodySource, error) {
	switch cfg.Source.Driver {
	case "postgres":
		pg, err := pgsource.New(ctx, &cfg.Source)
		if err != nil {
			return nil, err
		}
		return &custodySource{
			Source: pg,
			checks: map[string]api.Pinger{"duckdb": db, "postgres": pg},
			close:  pg.Close,
		}, nil

	case "duckdb", "":
		logging.Info().Msg("Reading custody data from local DuckDB tables")
		return &custodySource{
			Source: db,
			checks: map[string]api.Pinger{"duckdb": db},
		}, nil

	default:
		return nil, fmt.Errorf("unknown custody source driver %q", cfg.Source.Driver)
	}
}
