// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

//go:build integration

package pgsource

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/custodywatch/internal/config"
	"github.com/tomtom215/custodywatch/internal/custody"
	"github.com/tomtom215/custodywatch/internal/testinfra"
)

const upstreamSchema = `
CREATE TABLE units (id SERIAL PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE firearms (id SERIAL PRIMARY KEY, serial_number TEXT NOT NULL, assigned_unit_id INT REFERENCES units(id));
CREATE TABLE officers (
	id SERIAL PRIMARY KEY,
	badge_number TEXT NOT NULL,
	full_name TEXT NOT NULL,
	unit_id INT REFERENCES units(id)
);
CREATE TABLE custody_logs (
	id SERIAL PRIMARY KEY,
	firearm_id INT NOT NULL REFERENCES firearms(id),
	officer_id INT REFERENCES officers(id),
	action TEXT NOT NULL,
	custody_type TEXT,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE TABLE custody_assignments (
	id SERIAL PRIMARY KEY,
	firearm_id INT NOT NULL REFERENCES firearms(id),
	officer_id INT REFERENCES officers(id),
	custody_type TEXT NOT NULL,
	is_active BOOLEAN NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	expected_return_date TIMESTAMPTZ
);
INSERT INTO units (name) VALUES ('Central'), ('North');
INSERT INTO firearms (serial_number, assigned_unit_id) VALUES ('SN-1', 1), ('SN-2', NULL);
INSERT INTO officers (badge_number, full_name, unit_id) VALUES ('B-1', 'Alex Doe', 2), ('B-2', 'Sam Roe', NULL);
`

func setupSource(t *testing.T) (*Source, func(string, ...any)) {
	t.Helper()
	testinfra.SkipIfNoDocker(t)

	ctx := context.Background()
	pg, err := testinfra.NewPostgresContainer(ctx)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { testinfra.CleanupContainer(t, ctx, pg) })

	src, err := New(ctx, &config.SourceConfig{
		Driver:       "postgres",
		PostgresDSN:  pg.DSN,
		MaxConns:     2,
		QueryTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(src.Close)

	exec := func(sql string, args ...any) {
		t.Helper()
		if _, err := src.pool.Exec(ctx, sql, args...); err != nil {
			t.Fatalf("exec %q: %v", sql, err)
		}
	}
	exec(upstreamSchema)
	return src, exec
}

func TestSource_Integration(t *testing.T) {
	src, exec := setupSource(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	exec(`INSERT INTO custody_logs (firearm_id, officer_id, action, custody_type, timestamp) VALUES
		(1, 1, 'ASSIGNED', 'TEMPORARY', $1),
		(1, NULL, 'RETURNED', NULL, $2),
		(2, 2, 'ASSIGNED', 'PERMANENT', $3)`,
		now.Add(-2*time.Hour), now.Add(-time.Hour), now.AddDate(0, 0, -100))

	exec(`INSERT INTO custody_assignments
		(firearm_id, officer_id, custody_type, is_active, start_date, expected_return_date) VALUES
		(1, 1, 'TEMPORARY', TRUE, $1, $2),
		(2, 2, 'TEMPORARY', TRUE, $1, $3),
		(2, 1, 'PERMANENT', TRUE, $1, $2),
		(1, 1, 'PERSONAL', TRUE, $1, $2),
		(1, 2, 'TEMPORARY', FALSE, $1, $2)`,
		now.AddDate(0, 0, -10), now.AddDate(0, 0, -3), now.AddDate(0, 0, 3))

	t.Run("events since lookback", func(t *testing.T) {
		events, err := src.EventsSince(ctx, now.AddDate(0, 0, -90))
		if err != nil {
			t.Fatalf("EventsSince: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		first, second := events[0], events[1]
		if first.Action != custody.ActionAssigned || first.AssetLabel != "SN-1" ||
			first.HandlerLabel != "B-1" || first.HandlerName != "Alex Doe" {
			t.Errorf("unexpected first event: %+v", first)
		}
		if first.AssetUnitID != "1" || first.HandlerUnitID != "2" {
			t.Errorf("owning units = %q/%q, want 1/2", first.AssetUnitID, first.HandlerUnitID)
		}
		if second.HasHandler() || second.CustodyType != "" {
			t.Errorf("expected null handler and custody type, got %+v", second)
		}
		if !first.Timestamp.Before(second.Timestamp) {
			t.Error("events should be ordered by timestamp")
		}
	})

	t.Run("overdue assignments", func(t *testing.T) {
		overdue, err := src.OverdueAssignments(ctx, now)
		if err != nil {
			t.Fatalf("OverdueAssignments: %v", err)
		}
		if len(overdue) != 1 {
			t.Fatalf("expected 1 overdue assignment, got %d", len(overdue))
		}
		if !overdue[0].IsOverdue(now) || overdue[0].AssetLabel != "SN-1" {
			t.Errorf("unexpected assignment: %+v", overdue[0])
		}
	})
}
