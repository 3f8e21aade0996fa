// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

/*
Package supervisor provides process supervision for Custodywatch using suture v4.

The supervisor tree owns every long-running service and organizes them into
layers so one failing layer restarts without touching the others:

	RootSupervisor ("custodywatch")
	├── ScanSupervisor ("scan-layer")
	│   └── ScanService (cron-scheduled anomaly scans)
	├── MessagingSupervisor ("messaging-layer")
	│   └── PublisherService (if nats.enabled)
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

A scan that fails is logged by ScanService and does not return an error, so
a bad night of upstream data never puts the tree into backoff.

Supervisor events (service panics, restarts, backoff) are logged through
sutureslog into the application's zerolog output via logging.NewSlogLogger.

See package services for the individual service wrappers.
*/
package supervisor
