// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package detection

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/custodywatch/internal/custody"
)

// Kind identifies the detector that produced a finding.
type Kind string

const (
	// KindRapidExchange flags an assignment followed by a transfer and a third
	// action on the same asset inside a short window.
	KindRapidExchange Kind = "RAPID_EXCHANGE"

	// KindFrequentTransfers flags assets transferred unusually often.
	KindFrequentTransfers Kind = "FREQUENT_TRANSFERS"

	// KindProlongedAbsence flags temporary custody past its expected return.
	KindProlongedAbsence Kind = "PROLONGED_ABSENCE"

	// KindUnusualPattern flags handlers in the highest-activity behaviour cluster.
	KindUnusualPattern Kind = "UNUSUAL_PATTERN"
)

// Kinds lists every kind in detector order.
var Kinds = []Kind{KindRapidExchange, KindFrequentTransfers, KindProlongedAbsence, KindUnusualPattern}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status is the review state of a persisted anomaly.
type Status string

const (
	StatusDetected      Status = "DETECTED"
	StatusReviewed      Status = "REVIEWED"
	StatusResolved      Status = "RESOLVED"
	StatusFalsePositive Status = "FALSE_POSITIVE"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDetected, StatusReviewed, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// IdentityKey is the deduplication identity of an anomaly. Empty AssetID or
// HandlerID means the field is absent; absent fields compare equal.
type IdentityKey struct {
	AssetID   string `json:"asset_id,omitempty"`
	HandlerID string `json:"handler_id,omitempty"`
	Kind      Kind   `json:"kind"`
}

// String encodes the key for use as a map or table key.
func (k IdentityKey) String() string {
	return string(k.Kind) + "\x1f" + k.AssetID + "\x1f" + k.HandlerID
}

// Finding is a detector's output before it is merged into the repository.
type Finding struct {
	AssetID     string          `json:"asset_id,omitempty"`
	HandlerID   string          `json:"handler_id,omitempty"`
	Kind        Kind            `json:"kind"`
	Score       float64         `json:"score"` // 0-100
	Explanation string          `json:"explanation"`
	Context     json.RawMessage `json:"context"`

	// EvidenceEventIDs lists the custody events that triggered the finding.
	EvidenceEventIDs []string `json:"evidence_event_ids,omitempty"`
}

// Key returns the identity triple of the finding.
func (f *Finding) Key() IdentityKey {
	return IdentityKey{AssetID: f.AssetID, HandlerID: f.HandlerID, Kind: f.Kind}
}

// Record is a persisted anomaly.
type Record struct {
	ID              int64           `json:"id"`
	AssetID         string          `json:"asset_id,omitempty"`
	HandlerID       string          `json:"handler_id,omitempty"`
	Kind            Kind            `json:"kind"`
	Score           float64         `json:"score"`
	Explanation     string          `json:"explanation"`
	Context         json.RawMessage `json:"context,omitempty"`
	Status          Status          `json:"status"`
	DetectedAt      time.Time       `json:"detected_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ReviewedBy      string          `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
}

// Key returns the identity triple of the record.
func (r *Record) Key() IdentityKey {
	return IdentityKey{AssetID: r.AssetID, HandlerID: r.HandlerID, Kind: r.Kind}
}

// IsLive reports whether r still absorbs new findings of the same identity:
// status DETECTED and detected at or after since.
func (r *Record) IsLive(since time.Time) bool {
	return r.Status == StatusDetected && !r.DetectedAt.Before(since)
}

// HandlerFeatures is the behaviour summary of one handler over the event slice.
type HandlerFeatures struct {
	HandlerID        string  `json:"handler_id"`
	HandlerLabel     string  `json:"handler_label,omitempty"`
	TotalActions     int     `json:"total_actions"`
	AssignedCount    int     `json:"assigned_count"`
	ReturnedCount    int     `json:"returned_count"`
	TransferredCount int     `json:"transferred_count"`
	DistinctAssets   int     `json:"distinct_assets"`
	AvgGapHours      float64 `json:"avg_gap_hours"`
}

// Vector returns the clustering coordinates in fixed order:
// total, assigned, returned, transferred, distinct assets, average gap hours.
func (h *HandlerFeatures) Vector() []float64 {
	return []float64{
		float64(h.TotalActions),
		float64(h.AssignedCount),
		float64(h.ReturnedCount),
		float64(h.TransferredCount),
		float64(h.DistinctAssets),
		h.AvgGapHours,
	}
}

// ScanInput is the read-only view shared by all detectors in one scan.
type ScanInput struct {
	Now      time.Time
	Events   []custody.Event
	Features *Features
	Overdue  []custody.Assignment
}

// Detector produces findings from a scan input. Implementations must not
// modify the input.
type Detector interface {
	// Kind returns the kind of finding this detector emits.
	Kind() Kind

	// Detect evaluates the input. It performs no I/O.
	Detect(ctx context.Context, in *ScanInput) ([]Finding, error)
}

// Notifier delivers persisted anomalies to an external channel.
type Notifier interface {
	// Send delivers one record.
	Send(ctx context.Context, rec *Record) error

	// Name returns the notifier name for logs and metrics.
	Name() string
}

// Filter selects anomalies for listing.
type Filter struct {
	Status    Status   `json:"status,omitempty"`
	Kind      Kind     `json:"kind,omitempty"`
	AssetID   string   `json:"asset_id,omitempty"`
	HandlerID string   `json:"handler_id,omitempty"`
	MinScore  *float64 `json:"min_score,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
}

// Review is a reviewer's decision on an anomaly.
type Review struct {
	Status     Status    `json:"status"`
	ReviewedBy string    `json:"reviewed_by"`
	Notes      string    `json:"notes,omitempty"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// KindStatistics summarises open anomalies of one kind.
type KindStatistics struct {
	Kind         Kind    `json:"kind"`
	Count        int     `json:"count"`
	AverageScore float64 `json:"average_score"`
}

// DailyCount is the number of anomalies detected on one day.
type DailyCount struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// Statistics is the dashboard summary of the anomaly table.
type Statistics struct {
	ByStatus     map[Status]int   `json:"by_status"`
	ByKind       []KindStatistics `json:"by_kind"`
	HighPriority []Record         `json:"high_priority"`
	Trend        []DailyCount     `json:"trend"`
}
