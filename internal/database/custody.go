// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/custodywatch/internal/custody"
	"github.com/tomtom215/custodywatch/internal/metrics"
)

var _ custody.Source = (*DB)(nil)

// createCustodyTables creates the local custody log and assignment tables.
func (db *DB) createCustodyTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS custody_events (
			id TEXT PRIMARY KEY,
			asset_id TEXT NOT NULL,
			handler_id TEXT,
			action TEXT NOT NULL,
			custody_type TEXT,
			occurred_at TIMESTAMP NOT NULL,
			asset_unit_id TEXT,
			handler_unit_id TEXT,
			asset_label TEXT,
			handler_label TEXT,
			handler_name TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS custody_assignments (
			id TEXT PRIMARY KEY,
			asset_id TEXT NOT NULL,
			handler_id TEXT NOT NULL,
			custody_type TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			assigned_at TIMESTAMP NOT NULL,
			expected_return TIMESTAMP,
			asset_label TEXT,
			handler_label TEXT,
			handler_name TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_custody_events_occurred_at ON custody_events(occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_custody_events_asset ON custody_events(asset_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_custody_assignments_active ON custody_assignments(is_active, custody_type)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

func validateEvent(e *custody.Event) error {
	if e.AssetID == "" {
		return fmt.Errorf("%w: asset_id is required", ErrInvalidEvent)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, e.Action)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	return nil
}

// InsertEvents appends events to the custody log in one transaction. Events
// without an ID get a generated one; IDs already present are skipped.
func (db *DB) InsertEvents(ctx context.Context, events []custody.Event) error {
	for i := range events {
		if err := validateEvent(&events[i]); err != nil {
			return err
		}
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}

	start := time.Now()
	err := db.insertEvents(ctx, events)
	metrics.RecordDBQuery("insert", "custody_events", time.Since(start), err)
	return err
}

func (db *DB) insertEvents(ctx context.Context, events []custody.Event) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO custody_events
		(id, asset_id, handler_id, action, custody_type, occurred_at,
			asset_unit_id, handler_unit_id, asset_label, handler_label, handler_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer closeWithLog(stmt, "prepared statement")

	for i := range events {
		e := &events[i]
		if _, err := stmt.ExecContext(ctx,
			e.ID,
			e.AssetID,
			nullString(e.HandlerID),
			string(e.Action),
			nullString(string(e.CustodyType)),
			e.Timestamp.UTC(),
			nullString(e.AssetUnitID),
			nullString(e.HandlerUnitID),
			nullString(e.AssetLabel),
			nullString(e.HandlerLabel),
			nullString(e.HandlerName),
		); err != nil {
			return fmt.Errorf("failed to insert custody event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit custody events: %w", err)
	}
	return nil
}

// UpsertAssignment creates or replaces the assignment with a.ID.
func (db *DB) UpsertAssignment(ctx context.Context, a *custody.Assignment) error {
	if a.AssetID == "" || a.HandlerID == "" {
		return fmt.Errorf("%w: asset_id and handler_id are required", ErrInvalidAssignment)
	}
	if !a.CustodyType.Valid() {
		return fmt.Errorf("%w: unknown custody type %q", ErrInvalidAssignment, a.CustodyType)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	mu := db.acquireAssignmentLock(a.ID)
	defer mu.Unlock()

	var expected interface{}
	if a.ExpectedReturn != nil {
		expected = a.ExpectedReturn.UTC()
	}

	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `INSERT INTO custody_assignments
		(id, asset_id, handler_id, custody_type, is_active, assigned_at, expected_return, asset_label, handler_label, handler_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			asset_id = EXCLUDED.asset_id,
			handler_id = EXCLUDED.handler_id,
			custody_type = EXCLUDED.custody_type,
			is_active = EXCLUDED.is_active,
			assigned_at = EXCLUDED.assigned_at,
			expected_return = EXCLUDED.expected_return,
			asset_label = EXCLUDED.asset_label,
			handler_label = EXCLUDED.handler_label,
			handler_name = EXCLUDED.handler_name`,
		a.ID,
		a.AssetID,
		a.HandlerID,
		string(a.CustodyType),
		a.IsActive,
		a.AssignedAt.UTC(),
		expected,
		nullString(a.AssetLabel),
		nullString(a.HandlerLabel),
		nullString(a.HandlerName),
	)
	metrics.RecordDBQuery("upsert", "custody_assignments", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to upsert assignment %s: %w", a.ID, err)
	}
	return nil
}

// acquireAssignmentLock locks and returns the mutex for an assignment ID.
func (db *DB) acquireAssignmentLock(id string) *sync.Mutex {
	muInterface, _ := db.assignmentLocks.LoadOrStore(id, &sync.Mutex{})
	mu, ok := muInterface.(*sync.Mutex)
	if !ok {
		mu = &sync.Mutex{}
		db.assignmentLocks.Store(id, mu)
	}
	mu.Lock()
	return mu
}

// EventsSince implements custody.EventSource.
func (db *DB) EventsSince(ctx context.Context, since time.Time) ([]custody.Event, error) {
	query := `SELECT id, asset_id, handler_id, action, custody_type, occurred_at,
			asset_unit_id, handler_unit_id, asset_label, handler_label, handler_name
		FROM custody_events
		WHERE occurred_at >= ?
		ORDER BY occurred_at ASC, id ASC`

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, since.UTC())
	metrics.RecordDBQuery("events_since", "custody_events", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query custody events: %w", err)
	}
	defer closeWithLog(rows, "rows")

	events := make([]custody.Event, 0)
	for rows.Next() {
		var (
			e                                     custody.Event
			action                                string
			handlerID, custodyType                sql.NullString
			assetUnit, handlerUnit                sql.NullString
			assetLabel, handlerLabel, handlerName sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AssetID, &handlerID, &action, &custodyType, &e.Timestamp,
			&assetUnit, &handlerUnit, &assetLabel, &handlerLabel, &handlerName); err != nil {
			return nil, fmt.Errorf("failed to scan custody event: %w", err)
		}
		e.Action = custody.Action(action)
		e.HandlerID = handlerID.String
		e.CustodyType = custody.Type(custodyType.String)
		e.AssetUnitID = assetUnit.String
		e.HandlerUnitID = handlerUnit.String
		e.AssetLabel = assetLabel.String
		e.HandlerLabel = handlerLabel.String
		e.HandlerName = handlerName.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// OverdueAssignments implements custody.AssignmentSource.
func (db *DB) OverdueAssignments(ctx context.Context, now time.Time) ([]custody.Assignment, error) {
	query := `SELECT id, asset_id, handler_id, custody_type, is_active, assigned_at, expected_return,
			asset_label, handler_label, handler_name
		FROM custody_assignments
		WHERE is_active = true
		  AND custody_type = 'TEMPORARY'
		  AND expected_return IS NOT NULL
		  AND expected_return < ?
		ORDER BY expected_return ASC, id ASC`

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, now.UTC())
	metrics.RecordDBQuery("overdue_assignments", "custody_assignments", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue assignments: %w", err)
	}
	defer closeWithLog(rows, "rows")

	assignments := make([]custody.Assignment, 0)
	for rows.Next() {
		var (
			a                                     custody.Assignment
			custodyType                           string
			expected                              sql.NullTime
			assetLabel, handlerLabel, handlerName sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.AssetID, &a.HandlerID, &custodyType, &a.IsActive, &a.AssignedAt, &expected,
			&assetLabel, &handlerLabel, &handlerName); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.CustodyType = custody.Type(custodyType)
		if expected.Valid {
			t := expected.Time
			a.ExpectedReturn = &t
		}
		a.AssetLabel = assetLabel.String
		a.HandlerLabel = handlerLabel.String
		a.HandlerName = handlerName.String
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// nullString maps an empty string to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
