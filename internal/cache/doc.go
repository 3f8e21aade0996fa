// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

/*
Package cache provides a small thread-safe TTL cache for API responses.

The statistics endpoint aggregates the whole anomaly table on every call.
Its result is cached for a short TTL and cleared whenever a scan or review
changes the table through the API. Scheduled scans are not observed, so a
cached result can lag a background scan by at most the TTL.

# Usage

	c := cache.New[*detection.Statistics](30 * time.Second)
	if stats, ok := c.Get(key); ok {
	    return stats
	}
	c.Set(key, fresh)

Expired entries are dropped lazily on Get; no background goroutine runs.
*/
package cache
