// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package database

import (
	"errors"
	"io"

	"github.com/tomtom215/custodywatch/internal/logging"
)

var (
	// ErrInvalidEvent is returned when a custody event fails validation.
	ErrInvalidEvent = errors.New("invalid custody event")

	// ErrInvalidAssignment is returned when an assignment fails validation.
	ErrInvalidAssignment = errors.New("invalid custody assignment")
)

// closeWithLog closes a resource and logs any error
func closeWithLog(closer io.Closer, resourceType string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logging.Warn().Str("type", resourceType).Err(err).Msg("Failed to close resource")
	}
}

// closeQuietly closes a resource and explicitly ignores any error
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close() // best-effort cleanup on error paths
	}
}
