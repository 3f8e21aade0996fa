// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package detection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/custodywatch/internal/logging"
	"github.com/tomtom215/custodywatch/internal/metrics"
)

const anomaliesTable = "custody_anomalies"

// recordColumns is the column list scanned by scanRecordRow.
// context_data is read as text so the stored payload round-trips byte for byte.
const recordColumns = `id, asset_id, handler_id, kind, score, explanation,
		CAST(context_data AS VARCHAR), status, detected_at, updated_at,
		reviewed_by, reviewed_at, resolution_notes`

// DuckDBStore implements Repository and the anomaly read/review API on DuckDB.
type DuckDBStore struct {
	db *sql.DB

	// keyLocks serialises merges of the same identity inside this process.
	keyLocks sync.Map
}

var _ Repository = (*DuckDBStore)(nil)

// NewDuckDBStore creates a new DuckDB-backed store.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// InitSchema creates the anomaly table if it doesn't exist.
func (s *DuckDBStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE SEQUENCE IF NOT EXISTS custody_anomalies_id_seq`,

		// asset_id and handler_id are NULL when absent; identity lookups use
		// IS NOT DISTINCT FROM so absent values match each other.
		`CREATE TABLE IF NOT EXISTS custody_anomalies (
			id BIGINT PRIMARY KEY DEFAULT nextval('custody_anomalies_id_seq'),
			asset_id TEXT,
			handler_id TEXT,
			kind TEXT NOT NULL,
			score DOUBLE NOT NULL,
			explanation TEXT NOT NULL,
			context_data JSON,
			status TEXT NOT NULL DEFAULT 'DETECTED',
			detected_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			reviewed_by TEXT,
			reviewed_at TIMESTAMP,
			resolution_notes TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_anomalies_identity ON custody_anomalies(kind, asset_id, handler_id)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_status ON custody_anomalies(status)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_detected_at ON custody_anomalies(detected_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_score ON custody_anomalies(score DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	// Flush the WAL so a restart does not replay schema creation.
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint after anomaly schema initialization")
	}

	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecordRow scans a single anomaly row with nullable fields handling.
func scanRecordRow(scanner rowScanner, rec *Record) error {
	var (
		assetID, handlerID, contextData sql.NullString
		reviewedBy, notes               sql.NullString
		reviewedAt                      sql.NullTime
		kind, status                    string
	)

	if err := scanner.Scan(
		&rec.ID,
		&assetID,
		&handlerID,
		&kind,
		&rec.Score,
		&rec.Explanation,
		&contextData,
		&status,
		&rec.DetectedAt,
		&rec.UpdatedAt,
		&reviewedBy,
		&reviewedAt,
		&notes,
	); err != nil {
		return err
	}

	rec.Kind = Kind(kind)
	rec.Status = Status(status)
	rec.AssetID = assetID.String
	rec.HandlerID = handlerID.String
	rec.ReviewedBy = reviewedBy.String
	rec.ResolutionNotes = notes.String
	if contextData.Valid {
		rec.Context = []byte(contextData.String)
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		rec.ReviewedAt = &t
	}
	return nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// contextArg converts a context payload to a driver value. The driver rejects
// json.RawMessage, so the payload is passed as text.
func contextArg(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// FindLive implements Repository.
func (s *DuckDBStore) FindLive(ctx context.Context, key IdentityKey, since time.Time) (*Record, error) {
	start := time.Now()
	rec, err := findLive(ctx, s.db, key, since)
	metrics.RecordDBQuery("find_live", anomaliesTable, time.Since(start), err)
	return rec, err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func findLive(ctx context.Context, q queryer, key IdentityKey, since time.Time) (*Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM custody_anomalies
		WHERE kind = ?
		  AND asset_id IS NOT DISTINCT FROM ?
		  AND handler_id IS NOT DISTINCT FROM ?
		  AND status = 'DETECTED'
		  AND detected_at >= ?
		ORDER BY id DESC
		LIMIT 1`

	rec := &Record{}
	err := scanRecordRow(q.QueryRowContext(ctx, query,
		string(key.Kind), nullable(key.AssetID), nullable(key.HandlerID), since.UTC()), rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find live anomaly: %w", err)
	}
	return rec, nil
}

// MergeLive implements Repository. The read and the write run in one
// transaction under a per-identity lock, and transaction conflicts are
// retried with exponential backoff.
func (s *DuckDBStore) MergeLive(ctx context.Context, key IdentityKey, since time.Time, fn MergeFunc) (*Record, error) {
	mu := s.acquireKeyLock(key)
	defer mu.Unlock()

	const maxRetries = 3
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		start := time.Now()
		rec, err := s.doMergeLive(ctx, key, since, fn)
		metrics.RecordDBQuery("merge_live", anomaliesTable, time.Since(start), err)
		if err == nil {
			return rec, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("operation timed out or canceled: %w", ctx.Err())
		}
		if !isTransactionConflict(err) {
			return nil, err
		}

		metrics.DBConflictRetries.Inc()
		if attempt < maxRetries-1 {
			backoff := time.Millisecond * time.Duration(1<<uint(attempt)) // 1ms, 2ms, 4ms
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *DuckDBStore) doMergeLive(ctx context.Context, key IdentityKey, since time.Time, fn MergeFunc) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	live, err := findLive(ctx, tx, key, since)
	if err != nil {
		return nil, err
	}

	out := fn(live)
	if out == nil {
		return live, nil
	}
	rec := *out

	if rec.ID == 0 {
		err = tx.QueryRowContext(ctx, `INSERT INTO custody_anomalies
			(asset_id, handler_id, kind, score, explanation, context_data, status, detected_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			nullable(rec.AssetID),
			nullable(rec.HandlerID),
			string(rec.Kind),
			rec.Score,
			rec.Explanation,
			contextArg(rec.Context),
			string(rec.Status),
			rec.DetectedAt.UTC(),
			rec.UpdatedAt.UTC(),
		).Scan(&rec.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert anomaly: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE custody_anomalies
			SET score = ?, explanation = ?, context_data = ?, updated_at = ?
			WHERE id = ?`,
			rec.Score,
			rec.Explanation,
			contextArg(rec.Context),
			rec.UpdatedAt.UTC(),
			rec.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update anomaly %d: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit anomaly merge: %w", err)
	}
	return &rec, nil
}

// acquireKeyLock locks and returns the mutex for key.
func (s *DuckDBStore) acquireKeyLock(key IdentityKey) *sync.Mutex {
	muInterface, _ := s.keyLocks.LoadOrStore(key.String(), &sync.Mutex{})
	mu, ok := muInterface.(*sync.Mutex)
	if !ok {
		mu = &sync.Mutex{}
		s.keyLocks.Store(key.String(), mu)
	}
	mu.Lock()
	return mu
}

// isTransactionConflict checks if an error is a retryable DuckDB write conflict.
func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Transaction conflict") ||
		strings.Contains(errStr, "Conflict on update") ||
		strings.Contains(errStr, "Conflict on tuple deletion")
}

// Insert persists rec as a new anomaly and sets its ID. It bypasses the live
// record check and is used for imports and tests.
func (s *DuckDBStore) Insert(ctx context.Context, rec *Record) error {
	query := `INSERT INTO custody_anomalies
		(asset_id, handler_id, kind, score, explanation, context_data, status,
		 detected_at, updated_at, reviewed_by, reviewed_at, resolution_notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	var reviewedAt interface{}
	if rec.ReviewedAt != nil {
		reviewedAt = rec.ReviewedAt.UTC()
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = rec.DetectedAt
	}

	start := time.Now()
	err := s.db.QueryRowContext(ctx, query,
		nullable(rec.AssetID),
		nullable(rec.HandlerID),
		string(rec.Kind),
		rec.Score,
		rec.Explanation,
		contextArg(rec.Context),
		string(rec.Status),
		rec.DetectedAt.UTC(),
		updatedAt.UTC(),
		nullable(rec.ReviewedBy),
		reviewedAt,
		nullable(rec.ResolutionNotes),
	).Scan(&rec.ID)
	metrics.RecordDBQuery("insert", anomaliesTable, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

// Get retrieves an anomaly by ID. It returns ErrNotFound for unknown IDs.
func (s *DuckDBStore) Get(ctx context.Context, id int64) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM custody_anomalies WHERE id = ?`

	rec := &Record{}
	err := scanRecordRow(s.db.QueryRowContext(ctx, query, id), rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anomaly: %w", err)
	}
	return rec, nil
}

// List retrieves anomalies matching filter, highest score first and newest
// first within equal scores.
func (s *DuckDBStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	query, args := buildListQuery(filter)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("list", anomaliesTable, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := scanRecordRow(rows, &rec); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// buildListQuery constructs the SQL query and args for anomaly filtering.
// All user values are bound as parameters.
func buildListQuery(filter Filter) (string, []interface{}) {
	query := `SELECT ` + recordColumns + ` FROM custody_anomalies WHERE 1=1`
	args := make([]interface{}, 0, 7)

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.AssetID != "" {
		query += " AND asset_id = ?"
		args = append(args, filter.AssetID)
	}
	if filter.HandlerID != "" {
		query += " AND handler_id = ?"
		args = append(args, filter.HandlerID)
	}
	if filter.MinScore != nil {
		query += " AND score >= ?"
		args = append(args, *filter.MinScore)
	}

	query += " ORDER BY score DESC, detected_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 100"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	return query, args
}

// Review records a reviewer's decision and returns the updated anomaly.
func (s *DuckDBStore) Review(ctx context.Context, id int64, review Review) (*Record, error) {
	query := `UPDATE custody_anomalies
		SET status = ?, reviewed_by = ?, reviewed_at = ?, resolution_notes = ?, updated_at = ?
		WHERE id = ?`

	at := review.ReviewedAt.UTC()
	start := time.Now()
	res, err := s.db.ExecContext(ctx, query,
		string(review.Status), review.ReviewedBy, at, nullable(review.Notes), at, id)
	metrics.RecordDBQuery("review", anomaliesTable, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to review anomaly: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	return s.Get(ctx, id)
}

// Statistics summarises the anomaly table as of now: counts per status,
// open anomalies per kind, the ten highest-scoring open anomalies above 70
// and daily detection counts for the last 30 days.
func (s *DuckDBStore) Statistics(ctx context.Context, now time.Time) (*Statistics, error) {
	stats := &Statistics{
		ByStatus:     make(map[Status]int),
		ByKind:       make([]KindStatistics, 0),
		HighPriority: make([]Record, 0),
		Trend:        make([]DailyCount, 0),
	}

	start := time.Now()
	err := s.collectStatistics(ctx, now, stats)
	metrics.RecordDBQuery("statistics", anomaliesTable, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *DuckDBStore) collectStatistics(ctx context.Context, now time.Time, stats *Statistics) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM custody_anomalies GROUP BY status ORDER BY status`)
	if err != nil {
		return fmt.Errorf("failed to count anomalies by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.ByStatus[Status(status)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT kind, COUNT(*), AVG(score)
		FROM custody_anomalies
		WHERE status = 'DETECTED'
		GROUP BY kind
		ORDER BY kind`)
	if err != nil {
		return fmt.Errorf("failed to count anomalies by kind: %w", err)
	}
	for rows.Next() {
		var ks KindStatistics
		var kind string
		if err := rows.Scan(&kind, &ks.Count, &ks.AverageScore); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan kind count: %w", err)
		}
		ks.Kind = Kind(kind)
		stats.ByKind = append(stats.ByKind, ks)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM custody_anomalies
		WHERE status = 'DETECTED' AND score > 70
		ORDER BY score DESC, detected_at DESC, id DESC
		LIMIT 10`)
	if err != nil {
		return fmt.Errorf("failed to query high priority anomalies: %w", err)
	}
	for rows.Next() {
		var rec Record
		if err := scanRecordRow(rows, &rec); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan high priority anomaly: %w", err)
		}
		stats.HighPriority = append(stats.HighPriority, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT strftime(CAST(detected_at AS DATE), '%Y-%m-%d') AS day, COUNT(*)
		FROM custody_anomalies
		WHERE detected_at >= ?
		GROUP BY day
		ORDER BY day`, now.UTC().Add(-30*24*time.Hour))
	if err != nil {
		return fmt.Errorf("failed to query anomaly trend: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dc DailyCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return fmt.Errorf("failed to scan trend row: %w", err)
		}
		stats.Trend = append(stats.Trend, dc)
	}
	return rows.Err()
}
