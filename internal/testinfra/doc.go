// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

// Package testinfra provides test infrastructure for integration testing with containers.
//
// This package uses testcontainers-go to run the services Custodywatch reads
// from, so integration tests exercise real drivers and SQL dialects:
//
//	func TestPostgresSource(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//	    ctx := context.Background()
//	    pg, err := testinfra.NewPostgresContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, pg)
//	    // connect with pg.DSN
//	}
//
// All files carry the integration build tag:
//
//	go test -tags integration ./...
package testinfra
