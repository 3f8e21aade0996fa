// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

/*
Package api provides the HTTP interface for Custodywatch using the Chi router.

# Endpoints

	POST /api/v1/anomalies/scan          run a scan now
	POST /api/v1/anomalies/detect        alias of /scan
	GET  /api/v1/anomalies               list anomalies (filterable)
	GET  /api/v1/anomalies/statistics    dashboard summary
	GET  /api/v1/anomalies/{id}          one anomaly
	POST /api/v1/anomalies/{id}/review   record a reviewer decision
	GET  /healthz                        liveness and database reachability
	GET  /metrics                        Prometheus scrape endpoint

# Middleware

Global: request ID with logging context, real IP, panic recovery, CORS.
Anomaly routes additionally get httprate limiting, API security headers and
request metrics.

Authentication and authorization are enforced by the gateway in front of the
service; handlers trust the reviewer identity they are given.

# Responses

The scan endpoint returns a flat body:

	{"success": true, "message": "...", "scan_id": "...", "detected": 2, "anomalies": [...]}

All other endpoints use the models.APIResponse envelope.
*/
package api
