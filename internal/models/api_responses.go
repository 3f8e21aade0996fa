// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package models

import (
	"time"
)

// APIResponse is the standard wrapper for API responses.
//
// Example error response:
//
//	{
//	  "status": "error",
//	  "error": {
//	    "code": "VALIDATION_ERROR",
//	    "message": "Status must be one of: DETECTED REVIEWED RESOLVED FALSE_POSITIVE",
//	    "details": {"field": "ReviewRequest.Status"}
//	  },
//	  "metadata": {"timestamp": "2026-03-15T12:00:00Z"}
//	}
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

// Metadata contains response metadata.
type Metadata struct {
	Timestamp   time.Time   `json:"timestamp"`
	QueryTimeMS int64       `json:"query_time_ms,omitempty"`
	Pagination  *Pagination `json:"pagination,omitempty"`
}

// APIError represents an error response with structured error details.
//
// Common error codes:
//   - VALIDATION_ERROR: Invalid input parameters
//   - DATABASE_ERROR: Query execution failure
//   - NOT_FOUND: Unknown anomaly id
//   - DATA_UNAVAILABLE: Custody source could not be read
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Pagination echoes the window used for a list request.
type Pagination struct {
	Limit    int  `json:"limit"`
	Offset   int  `json:"offset"`
	Returned int  `json:"returned"`
	HasMore  bool `json:"has_more"`
}
