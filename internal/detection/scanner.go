// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/custodywatch/internal/custody"
	"github.com/tomtom215/custodywatch/internal/logging"
	"github.com/tomtom215/custodywatch/internal/metrics"
)

// ScanConfig holds the windows and thresholds of a scan.
type ScanConfig struct {
	// LookbackWindow bounds the event slice read from the custody log.
	LookbackWindow time.Duration `json:"lookback_window"`

	// FrequentTransferWindow is the trailing window for transfer counting.
	FrequentTransferWindow time.Duration `json:"frequent_transfer_window"`

	// DedupWindow is how long a DETECTED record absorbs repeat findings.
	DedupWindow time.Duration `json:"dedup_window"`

	// RapidExchangeWindow is the maximum span of a rapid exchange triple.
	RapidExchangeWindow time.Duration `json:"rapid_exchange_window"`

	// FrequentTransferThreshold is exceeded (strictly) to flag an asset.
	FrequentTransferThreshold int `json:"frequent_transfer_threshold"`

	// MinClusterHandlers is the fewest handlers clustering runs with.
	MinClusterHandlers int `json:"min_cluster_handlers"`

	// MaxClusters caps k; k is also at most half the handler count.
	MaxClusters int `json:"max_clusters"`

	// UnusualPatternMinScore is exceeded (strictly) to emit an outlier finding.
	UnusualPatternMinScore float64 `json:"unusual_pattern_min_score"`

	// MergeConcurrency bounds parallel repository round trips.
	MergeConcurrency int `json:"merge_concurrency"`
}

// DefaultScanConfig returns the standard windows and thresholds.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		LookbackWindow:            90 * 24 * time.Hour,
		FrequentTransferWindow:    30 * 24 * time.Hour,
		DedupWindow:               7 * 24 * time.Hour,
		RapidExchangeWindow:       24 * time.Hour,
		FrequentTransferThreshold: 5,
		MinClusterHandlers:        5,
		MaxClusters:               3,
		UnusualPatternMinScore:    50,
		MergeConcurrency:          4,
	}
}

// ScanSummary is the result of one scan. DetectedCount counts findings, not
// persisted records; merge failures are reported through logs and metrics.
type ScanSummary struct {
	ScanID        string    `json:"scan_id"`
	Now           time.Time `json:"now"`
	DetectedCount int       `json:"detected"`
	Findings      []Finding `json:"anomalies"`
}

// Scanner runs the full scan: read inputs, extract features, run detectors,
// merge findings and notify.
type Scanner struct {
	events      custody.EventSource
	assignments custody.AssignmentSource
	merger      *Merger
	cfg         ScanConfig

	// eventDetectors need the event slice; overdue reads only assignments.
	eventDetectors []Detector
	overdue        Detector

	mu        sync.RWMutex
	notifiers []Notifier
}

// NewScanner creates a scanner with the four standard detectors.
func NewScanner(events custody.EventSource, assignments custody.AssignmentSource, repo Repository, cfg ScanConfig) *Scanner {
	return &Scanner{
		events:      events,
		assignments: assignments,
		merger:      NewMerger(repo, cfg.DedupWindow, cfg.MergeConcurrency),
		cfg:         cfg,
		eventDetectors: []Detector{
			NewRapidExchangeDetector(cfg.RapidExchangeWindow),
			NewFrequentTransferDetector(cfg.FrequentTransferWindow, cfg.FrequentTransferThreshold),
			NewStatisticalOutlierDetector(cfg.MinClusterHandlers, cfg.MaxClusters, cfg.UnusualPatternMinScore),
		},
		overdue: NewOverdueCustodyDetector(),
	}
}

// SetDetectors replaces the event-based detectors. Intended for tests.
func (s *Scanner) SetDetectors(eventDetectors []Detector, overdue Detector) {
	s.eventDetectors = eventDetectors
	s.overdue = overdue
}

// RegisterNotifier adds a notifier that receives every persisted record.
func (s *Scanner) RegisterNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

// RunScan performs one scan as of now. It fails with ErrDataUnavailable,
// before any write, when either input cannot be read.
func (s *Scanner) RunScan(ctx context.Context, now time.Time) (*ScanSummary, error) {
	scanID := logging.CorrelationIDFromContext(ctx)
	if scanID == "" {
		scanID = logging.GenerateCorrelationID()
		ctx = logging.ContextWithCorrelationID(ctx, scanID)
	}
	start := time.Now()
	log := logging.Ctx(ctx)

	events, overdue, err := s.readInputs(ctx, now)
	if err != nil {
		metrics.RecordScan(time.Since(start), 0, err)
		log.Error().Err(err).Msg("Anomaly scan aborted")
		return nil, err
	}
	log.Info().
		Int("events", len(events)).
		Int("overdue_assignments", len(overdue)).
		Time("now", now).
		Msg("Anomaly scan started")

	findings, err := s.detect(ctx, now, events, overdue)
	if err != nil {
		metrics.RecordScan(time.Since(start), len(events), err)
		log.Error().Err(err).Msg("Anomaly scan aborted")
		return nil, err
	}

	report := s.merger.Merge(ctx, findings, now)
	s.notify(ctx, report.Changed)

	metrics.RecordScan(time.Since(start), len(events), nil)
	log.Info().
		Int("detected", len(findings)).
		Int("inserted", report.Inserted).
		Int("updated", report.Updated).
		Int("merge_failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("Anomaly scan complete")

	if findings == nil {
		findings = []Finding{}
	}
	return &ScanSummary{
		ScanID:        scanID,
		Now:           now,
		DetectedCount: len(findings),
		Findings:      findings,
	}, nil
}

// readInputs fetches the event slice and the overdue view concurrently.
func (s *Scanner) readInputs(ctx context.Context, now time.Time) ([]custody.Event, []custody.Assignment, error) {
	var (
		events  []custody.Event
		overdue []custody.Assignment
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = s.events.EventsSince(gctx, now.Add(-s.cfg.LookbackWindow))
		if err != nil {
			return fmt.Errorf("%w: reading custody events: %w", ErrDataUnavailable, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		overdue, err = s.assignments.OverdueAssignments(gctx, now)
		if err != nil {
			return fmt.Errorf("%w: reading overdue assignments: %w", ErrDataUnavailable, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return events, overdue, nil
}

// detect runs the detectors concurrently over a shared read-only input and
// concatenates their findings in detector order. With no events only the
// overdue detector runs.
func (s *Scanner) detect(ctx context.Context, now time.Time, events []custody.Event, overdue []custody.Assignment) ([]Finding, error) {
	in := &ScanInput{
		Now:      now,
		Events:   events,
		Features: ExtractFeatures(events),
		Overdue:  overdue,
	}

	detectors := []Detector{s.overdue}
	if len(events) == 0 {
		logging.Ctx(ctx).Info().Msg("No custody events in lookback window, running overdue check only")
	} else {
		detectors = append(append([]Detector{}, s.eventDetectors...), s.overdue)
	}

	results := make([][]Finding, len(detectors))
	g := new(errgroup.Group)
	for i, d := range detectors {
		g.Go(func() error {
			found, err := d.Detect(ctx, in)
			if errors.Is(err, ErrClusteringFailure) {
				metrics.RecordClustering(metrics.ClusteringFailed)
				logging.Ctx(ctx).Warn().Err(err).Str("detector", string(d.Kind())).
					Msg("Detector failed, continuing without its findings")
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s detector: %w", d.Kind(), err)
			}
			if d.Kind() == KindUnusualPattern {
				s.recordClusteringOutcome(in)
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var findings []Finding
	for i, found := range results {
		metrics.RecordFindings(string(detectors[i].Kind()), len(found))
		findings = append(findings, found...)
	}
	return findings, nil
}

func (s *Scanner) recordClusteringOutcome(in *ScanInput) {
	if len(in.Features.HandlerOrder) < s.cfg.MinClusterHandlers {
		metrics.RecordClustering(metrics.ClusteringSkipped)
		return
	}
	metrics.RecordClustering(metrics.ClusteringClustered)
}

// notify hands new and escalated records to each notifier. Failures are logged.
func (s *Scanner) notify(ctx context.Context, records []*Record) {
	s.mu.RLock()
	notifiers := append([]Notifier(nil), s.notifiers...)
	s.mu.RUnlock()

	for _, n := range notifiers {
		for _, rec := range records {
			if err := n.Send(ctx, rec); err != nil {
				logging.Ctx(ctx).Warn().Err(err).
					Str("notifier", n.Name()).
					Int64("anomaly_id", rec.ID).
					Msg("Failed to send anomaly notification")
			}
		}
	}
}
