// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

// Package services adapts Custodywatch's long-running components to
// suture.Service so the supervisor tree can start, restart and stop them.
//
//   - ScanService: runs anomaly scans on a cron schedule
//   - PublisherService: owns the NATS publisher and closes it on shutdown
//   - HTTPServerService: runs the API server with graceful shutdown
//
// Every wrapper implements fmt.Stringer; suture uses the name in its logs.
package services
