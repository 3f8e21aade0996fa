// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

// Package pgsource reads custody events and assignments directly from the
// upstream custody system's Postgres database.
//
// The upstream schema is read-only from Custodywatch's point of view:
//
//	custody_logs        (firearm_id, officer_id, action, custody_type, timestamp)
//	custody_assignments (firearm_id, officer_id, custody_type, is_active,
//	                     start_date, expected_return_date)
//	firearms            (serial_number)
//	officers            (badge_number, full_name)
package pgsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tomtom215/custodywatch/internal/config"
	"github.com/tomtom215/custodywatch/internal/custody"
	"github.com/tomtom215/custodywatch/internal/logging"
	"github.com/tomtom215/custodywatch/internal/metrics"
)

// ErrMissingDSN is returned when the postgres driver is selected without a DSN.
var ErrMissingDSN = errors.New("postgres source requires a DSN")

const eventsQuery = `
SELECT cl.id::text, cl.firearm_id::text, cl.officer_id::text, cl.action,
       cl.custody_type, cl.timestamp,
       f.assigned_unit_id::text, o.unit_id::text,
       f.serial_number, o.badge_number, o.full_name
FROM custody_logs cl
JOIN firearms f ON f.id = cl.firearm_id
LEFT JOIN officers o ON o.id = cl.officer_id
WHERE cl.timestamp >= $1
ORDER BY cl.timestamp, cl.id`

const overdueQuery = `
SELECT ca.id::text, ca.firearm_id::text, ca.officer_id::text, ca.custody_type,
       ca.is_active, ca.start_date, ca.expected_return_date,
       f.serial_number, o.badge_number, o.full_name
FROM custody_assignments ca
JOIN firearms f ON f.id = ca.firearm_id
LEFT JOIN officers o ON o.id = ca.officer_id
WHERE ca.is_active = TRUE
  AND ca.custody_type = 'TEMPORARY'
  AND ca.expected_return_date < $1
ORDER BY ca.expected_return_date`

var _ custody.Source = (*Source)(nil)

// Source is a pgxpool-backed custody.Source.
type Source struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// New connects to the upstream database described by cfg.
func New(ctx context.Context, cfg *config.SourceConfig) (*Source, error) {
	if cfg.PostgresDSN == "" {
		return nil, ErrMissingDSN
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logging.Info().
		Str("host", poolCfg.ConnConfig.Host).
		Str("database", poolCfg.ConnConfig.Database).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("Connected to upstream custody database")

	return &Source{pool: pool, queryTimeout: cfg.QueryTimeout}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool, queryTimeout time.Duration) *Source {
	return &Source{pool: pool, queryTimeout: queryTimeout}
}

// Ping verifies the upstream database is reachable.
func (s *Source) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (s *Source) Close() {
	s.pool.Close()
}

func (s *Source) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// EventsSince returns custody log entries at or after since, oldest first.
func (s *Source) EventsSince(ctx context.Context, since time.Time) ([]custody.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	rows, err := s.pool.Query(ctx, eventsQuery, since)
	if err != nil {
		metrics.RecordDBQuery("events_since", "custody_logs", time.Since(start), err)
		return nil, fmt.Errorf("query custody logs: %w", err)
	}

	events, err := pgx.CollectRows(rows, scanEvent)
	metrics.RecordDBQuery("events_since", "custody_logs", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("scan custody logs: %w", err)
	}
	return events, nil
}

// OverdueAssignments returns active temporary assignments past their
// expected return at now.
func (s *Source) OverdueAssignments(ctx context.Context, now time.Time) ([]custody.Assignment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	rows, err := s.pool.Query(ctx, overdueQuery, now)
	if err != nil {
		metrics.RecordDBQuery("overdue_assignments", "custody_assignments", time.Since(start), err)
		return nil, fmt.Errorf("query custody assignments: %w", err)
	}

	assignments, err := pgx.CollectRows(rows, scanAssignment)
	metrics.RecordDBQuery("overdue_assignments", "custody_assignments", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("scan custody assignments: %w", err)
	}
	return assignments, nil
}

func scanEvent(row pgx.CollectableRow) (custody.Event, error) {
	var (
		e                                  custody.Event
		handlerID, custodyType             *string
		assetUnit, handlerUnit             *string
		assetLabel, handlerLabel, fullName *string
		action                             string
	)
	if err := row.Scan(&e.ID, &e.AssetID, &handlerID, &action, &custodyType, &e.Timestamp,
		&assetUnit, &handlerUnit, &assetLabel, &handlerLabel, &fullName); err != nil {
		return e, err
	}
	e.Action = custody.Action(action)
	e.HandlerID = deref(handlerID)
	e.CustodyType = custody.Type(deref(custodyType))
	e.AssetUnitID = deref(assetUnit)
	e.HandlerUnitID = deref(handlerUnit)
	e.AssetLabel = deref(assetLabel)
	e.HandlerLabel = deref(handlerLabel)
	e.HandlerName = deref(fullName)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func scanAssignment(row pgx.CollectableRow) (custody.Assignment, error) {
	var (
		a                                  custody.Assignment
		handlerID                          *string
		custodyType                        string
		assetLabel, handlerLabel, fullName *string
	)
	if err := row.Scan(&a.ID, &a.AssetID, &handlerID, &custodyType, &a.IsActive,
		&a.AssignedAt, &a.ExpectedReturn, &assetLabel, &handlerLabel, &fullName); err != nil {
		return a, err
	}
	a.CustodyType = custody.Type(custodyType)
	a.HandlerID = deref(handlerID)
	a.AssetLabel = deref(assetLabel)
	a.HandlerLabel = deref(handlerLabel)
	a.HandlerName = deref(fullName)
	a.AssignedAt = a.AssignedAt.UTC()
	if a.ExpectedReturn != nil {
		t := a.ExpectedReturn.UTC()
		a.ExpectedReturn = &t
	}
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
