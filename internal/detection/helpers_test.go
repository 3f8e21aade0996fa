// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package detection

import (
	"fmt"
	"time"

	"github.com/tomtom215/custodywatch/internal/custody"
)

// =============================================================================
// Test Helpers
// =============================================================================

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// eventBuilder numbers events so IDs are unique within a test.
type eventBuilder struct {
	next int
}

func (b *eventBuilder) event(asset, handler string, action custody.Action, ts time.Time) custody.Event {
	b.next++
	return custody.Event{
		ID:          fmt.Sprintf("log-%d", b.next),
		AssetID:     asset,
		HandlerID:   handler,
		Action:      action,
		CustodyType: custody.TypeTemporary,
		Timestamp:   ts,
	}
}

// scanInput builds a ScanInput the way Scanner does.
func scanInput(now time.Time, events []custody.Event, overdue []custody.Assignment) *ScanInput {
	return &ScanInput{
		Now:      now,
		Events:   events,
		Features: ExtractFeatures(events),
		Overdue:  overdue,
	}
}

func overdueAssignment(id, asset, handler string, expected time.Time) custody.Assignment {
	return custody.Assignment{
		ID:             id,
		AssetID:        asset,
		HandlerID:      handler,
		CustodyType:    custody.TypeTemporary,
		IsActive:       true,
		AssignedAt:     expected.Add(-48 * time.Hour),
		ExpectedReturn: &expected,
	}
}

func findingsOfKind(findings []Finding, kind Kind) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}
