// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package detection

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MergeFunc computes the record to persist given the live record for an
// identity (nil when there is none). Returning a record with ID 0 inserts it;
// a non-zero ID updates the live record. It may be called more than once when
// the repository retries after a conflict, so it must not have side effects.
type MergeFunc func(live *Record) *Record

// Repository persists anomaly records.
type Repository interface {
	// FindLive returns the DETECTED record for key detected at or after since,
	// or nil when none exists.
	FindLive(ctx context.Context, key IdentityKey, since time.Time) (*Record, error)

	// MergeLive atomically reads the live record for key, applies fn and
	// writes the result. Two concurrent calls for the same key never both
	// insert, so at most one live record exists per key.
	MergeLive(ctx context.Context, key IdentityKey, since time.Time, fn MergeFunc) (*Record, error)
}

// MemoryRepository is an in-process Repository. All writes are serialised
// by a single lock.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[int64]*Record
	nextID  int64
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[int64]*Record)}
}

// FindLive implements Repository.
func (m *MemoryRepository) FindLive(_ context.Context, key IdentityKey, since time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec := m.findLiveLocked(key, since); rec != nil {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryRepository) findLiveLocked(key IdentityKey, since time.Time) *Record {
	var found *Record
	for _, rec := range m.records {
		if rec.Key() != key || !rec.IsLive(since) {
			continue
		}
		if found == nil || rec.ID > found.ID {
			found = rec
		}
	}
	return found
}

// MergeLive implements Repository.
func (m *MemoryRepository) MergeLive(ctx context.Context, key IdentityKey, since time.Time, fn MergeFunc) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var live *Record
	if rec := m.findLiveLocked(key, since); rec != nil {
		cp := *rec
		live = &cp
	}

	out := fn(live)
	if out == nil {
		return live, nil
	}
	cp := *out
	if cp.ID == 0 {
		m.nextID++
		cp.ID = m.nextID
	}
	m.records[cp.ID] = &cp

	ret := cp
	return &ret, nil
}

// Insert stores rec as a new record and sets its ID.
func (m *MemoryRepository) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	cp := *rec
	m.records[cp.ID] = &cp
	return nil
}

// Get returns the record with id.
func (m *MemoryRepository) Get(_ context.Context, id int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Records returns a copy of all records ordered by ID.
func (m *MemoryRepository) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
