// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package detection

import "errors"

var (
	// ErrDataUnavailable means the event slice or the overdue view could not
	// be read. The scan is aborted before any merge write.
	ErrDataUnavailable = errors.New("custody data unavailable")

	// ErrClusteringFailure means k-means could not partition the handlers.
	// Only the statistical outlier detector is skipped.
	ErrClusteringFailure = errors.New("clustering failed")

	// ErrMergeWrite means a single finding could not be persisted. The merge
	// continues with the remaining findings.
	ErrMergeWrite = errors.New("anomaly merge write failed")

	// ErrNotFound is returned when an anomaly ID does not exist.
	ErrNotFound = errors.New("anomaly not found")
)
