// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package detection

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/custodywatch/internal/custody"
)

// ProlongedAbsenceContext is the context payload of a PROLONGED_ABSENCE finding.
type ProlongedAbsenceContext struct {
	AssignmentID       string    `json:"assignment_id"`
	DaysOverdue        int       `json:"days_overdue"`
	ExpectedReturnDate time.Time `json:"expected_return_date"`
}

// OverdueCustodyDetector emits one finding per overdue temporary assignment.
// It reads the assignment view only, never the event slice.
type OverdueCustodyDetector struct{}

// NewOverdueCustodyDetector creates the detector.
func NewOverdueCustodyDetector() *OverdueCustodyDetector {
	return &OverdueCustodyDetector{}
}

// Kind returns KindProlongedAbsence.
func (d *OverdueCustodyDetector) Kind() Kind {
	return KindProlongedAbsence
}

// Detect implements Detector.
func (d *OverdueCustodyDetector) Detect(_ context.Context, in *ScanInput) ([]Finding, error) {
	var findings []Finding

	for i := range in.Overdue {
		a := &in.Overdue[i]
		if !a.IsOverdue(in.Now) {
			continue
		}

		days := daysOverdue(in.Now, *a.ExpectedReturn)
		payload, err := json.Marshal(ProlongedAbsenceContext{
			AssignmentID:       a.ID,
			DaysOverdue:        days,
			ExpectedReturnDate: *a.ExpectedReturn,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal prolonged absence context: %w", err)
		}

		findings = append(findings, Finding{
			AssetID:   a.AssetID,
			HandlerID: a.HandlerID,
			Kind:      KindProlongedAbsence,
			Score:     math.Min(100, float64(days)*5),
			Explanation: fmt.Sprintf("Firearm %s not returned by %s. Overdue by %d days",
				assetLabel(a.AssetLabel, a.AssetID), handlerDisplay(a), days),
			Context: payload,
		})
	}

	return findings, nil
}

// daysOverdue is the whole number of days between expected and now, rounded down.
func daysOverdue(now, expected time.Time) int {
	return int(now.Sub(expected) / (24 * time.Hour))
}

func handlerDisplay(a *custody.Assignment) string {
	switch {
	case a.HandlerName != "":
		return a.HandlerName
	case a.HandlerLabel != "":
		return a.HandlerLabel
	default:
		return a.HandlerID
	}
}
