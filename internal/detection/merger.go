// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package detection

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/custodywatch/internal/logging"
	"github.com/tomtom215/custodywatch/internal/metrics"
)

// MergeReport summarises one merge pass.
type MergeReport struct {
	Inserted int
	Updated  int
	Failed   int

	// Records holds the persisted state of every successfully merged finding,
	// in finding order.
	Records []*Record

	// Changed holds the final state of each record that was inserted or whose
	// score rose during this pass, one entry per record ID.
	Changed []*Record
}

// Merger folds findings into the repository, keeping at most one live record
// per identity triple.
type Merger struct {
	repo        Repository
	dedupWindow time.Duration
	concurrency int
}

// NewMerger creates a merger. concurrency bounds parallel round trips across
// distinct identities; findings sharing an identity are always merged in order.
func NewMerger(repo Repository, dedupWindow time.Duration, concurrency int) *Merger {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Merger{repo: repo, dedupWindow: dedupWindow, concurrency: concurrency}
}

// Merge persists findings. A failed write is logged and counted; it never
// stops the remaining findings.
func (m *Merger) Merge(ctx context.Context, findings []Finding, now time.Time) *MergeReport {
	since := now.Add(-m.dedupWindow)

	// Group by identity, preserving first-seen order of both groups and members.
	var order []IdentityKey
	groups := make(map[IdentityKey][]int)
	for i := range findings {
		key := findings[i].Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	var (
		mu      sync.Mutex
		report  = &MergeReport{}
		results = make([]*Record, len(findings))
		changed = make([]bool, len(findings))
	)

	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for _, key := range order {
		idx := groups[key]
		g.Go(func() error {
			for _, i := range idx {
				rec, inserted, raised, err := m.mergeOne(ctx, &findings[i], since, now)

				mu.Lock()
				switch {
				case err != nil:
					report.Failed++
				case inserted:
					report.Inserted++
				default:
					report.Updated++
				}
				results[i] = rec
				changed[i] = inserted || raised
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	last := make(map[int64]int)
	for i, rec := range results {
		if rec == nil {
			continue
		}
		report.Records = append(report.Records, rec)
		if changed[i] {
			last[rec.ID] = i
		}
	}
	for i, rec := range results {
		if rec != nil && changed[i] && last[rec.ID] == i {
			report.Changed = append(report.Changed, rec)
		}
	}
	return report
}

// mergeOne reports whether the record was inserted and, for an update,
// whether its score rose.
func (m *Merger) mergeOne(ctx context.Context, f *Finding, since, now time.Time) (*Record, bool, bool, error) {
	var inserted, raised bool
	rec, err := m.repo.MergeLive(ctx, f.Key(), since, func(live *Record) *Record {
		inserted = live == nil
		raised = live != nil && f.Score > live.Score
		return applyFinding(live, f, now)
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMergeWrite, err)
		metrics.RecordMerge(metrics.MergeFailed)
		logging.Ctx(ctx).Error().Err(err).
			Str("asset_id", f.AssetID).
			Str("handler_id", f.HandlerID).
			Str("kind", string(f.Kind)).
			Float64("score", f.Score).
			Msg("Failed to persist anomaly finding")
		return nil, false, false, err
	}

	if inserted {
		metrics.RecordMerge(metrics.MergeInserted)
	} else {
		metrics.RecordMerge(metrics.MergeUpdated)
	}
	return rec, inserted, raised, nil
}

// applyFinding returns the record to write for f. An existing live record keeps
// its ID, status and detection time, takes the higher score and the newest
// explanation and context. Without one a fresh DETECTED record is created.
func applyFinding(live *Record, f *Finding, now time.Time) *Record {
	if live == nil {
		return &Record{
			AssetID:     f.AssetID,
			HandlerID:   f.HandlerID,
			Kind:        f.Kind,
			Score:       f.Score,
			Explanation: f.Explanation,
			Context:     f.Context,
			Status:      StatusDetected,
			DetectedAt:  now,
			UpdatedAt:   now,
		}
	}

	updated := *live
	updated.Score = math.Max(live.Score, f.Score)
	updated.Explanation = f.Explanation
	updated.Context = f.Context
	updated.UpdatedAt = now
	return &updated
}
