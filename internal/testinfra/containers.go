// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

//go:build integration

package testinfra

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// SkipIfNoDocker skips t when no container runtime answers a health check.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

// CleanupContainer terminates c, logging rather than failing on error so one
// stuck container does not hide the test result.
func CleanupContainer(t *testing.T, ctx context.Context, c testcontainers.Container) {
	t.Helper()
	if c == nil {
		return
	}
	if err := testcontainers.TerminateContainer(c, testcontainers.StopContext(ctx)); err != nil {
		t.Logf("terminate %s: %v", c.GetContainerID(), err)
	}
}
