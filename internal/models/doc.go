// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

/*
Package models defines the HTTP response envelope shared by API handlers.

Domain types live with the code that owns them: custody events and
assignments in package custody, anomaly records in package detection.
This package only holds the wire wrapper used for error responses and
paginated listings:

  - APIResponse: Standard response wrapper
  - APIError: Machine-readable error code plus message
  - Pagination: limit/offset echo for list endpoints
*/
package models
