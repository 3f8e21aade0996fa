// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

/*
Package main is the entry point for the Custodywatch server.

Custodywatch scans firearm custody records for suspicious handling patterns
(rapid exchanges, frequent transfers, overdue temporary custody and officers
whose custody behaviour is a statistical outlier), stores the resulting
anomalies in DuckDB for review, and optionally publishes them to NATS.

# Application Architecture

	RootSupervisor ("custodywatch")
	├── ScanSupervisor ("scan-layer")
	│   └── Scheduled anomaly scan (cron)
	├── MessagingSupervisor ("messaging-layer")
	│   └── NATS publisher (if NATS_ENABLED)
	└── APISupervisor ("api-layer")
	    └── HTTP Server (chi)

Component initialization order:

 1. Configuration: Koanf v2 with environment variables and config files
 2. Logging: zerolog with JSON/console output modes
 3. Database: DuckDB for the anomaly table (and the custody tables in standalone mode)
 4. Custody source: local DuckDB tables or the upstream Postgres database
 5. Scanner: detectors, merger and notifiers
 6. Supervisor Tree: Suture v4 process supervision
 7. HTTP Server: Chi router with middleware stack

# Configuration

Priority: Environment variables > Config file > Defaults

	# Server
	HTTP_PORT=8080
	ENVIRONMENT=production       # development, staging, production, test
	LOG_LEVEL=info
	LOG_FORMAT=json              # json or console

	# Storage
	DUCKDB_PATH=/data/custodywatch.duckdb

	# Custody source
	CUSTODY_SOURCE=postgres      # duckdb (default) or postgres
	CUSTODY_POSTGRES_DSN=postgres://reader:secret@db:5432/armory

	# Scanning
	SCAN_SCHEDULE="0 2 * * *"
	SCAN_TIMEZONE=America/Denver
	SCAN_RUN_ON_STARTUP=false    # defaults to true outside production

	# Notifications
	NATS_ENABLED=true
	NATS_URL=nats://nats:4222

# Signal Handling

SIGINT and SIGTERM cancel the root context. The HTTP server drains for
HTTP_SHUTDOWN_TIMEOUT, a running scan sees its context canceled, and the
database is checkpointed and closed after the tree stops.
*/
package main
