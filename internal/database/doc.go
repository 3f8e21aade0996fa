// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

// Package database owns the DuckDB connection.
//
// The database holds two groups of tables:
//   - custody_events and custody_assignments, the local custody store used
//     when source.driver is duckdb. DB implements custody.Source over them.
//   - custody_anomalies, created and managed by detection.DuckDBStore on the
//     connection returned by Conn.
//
// An empty database path opens an in-memory database, which tests use.
package database
