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

// minTimespanHours stands in for a zero timespan so identical timestamps
// score the maximum instead of dividing by zero.
const minTimespanHours = 1e-9

// RapidExchangeContext is the context payload of a RAPID_EXCHANGE finding.
type RapidExchangeContext struct {
	Logs          []string         `json:"logs"`
	TimespanHours float64          `json:"timespan_hours"`
	Actions       []custody.Action `json:"actions"`
}

// RapidExchangeDetector slides a window of three consecutive events over each
// asset's sequence and flags ASSIGNED, TRANSFERRED, then any third action
// within the window. Overlapping windows each produce a finding.
type RapidExchangeDetector struct {
	window time.Duration
}

// NewRapidExchangeDetector creates a detector for the given window (24h by default).
func NewRapidExchangeDetector(window time.Duration) *RapidExchangeDetector {
	return &RapidExchangeDetector{window: window}
}

// Kind returns KindRapidExchange.
func (d *RapidExchangeDetector) Kind() Kind {
	return KindRapidExchange
}

// Detect implements Detector.
func (d *RapidExchangeDetector) Detect(_ context.Context, in *ScanInput) ([]Finding, error) {
	windowHours := d.window.Hours()
	var findings []Finding

	for _, assetID := range in.Features.AssetOrder {
		seq := in.Features.ByAsset[assetID]
		for i := 0; i+2 < len(seq); i++ {
			e1, e2, e3 := &seq[i], &seq[i+1], &seq[i+2]
			if e1.Action != custody.ActionAssigned || e2.Action != custody.ActionTransferred {
				continue
			}
			hours := e3.Timestamp.Sub(e1.Timestamp).Hours()
			if hours > windowHours {
				continue
			}

			f, err := d.finding(e1, e2, e3, hours, windowHours)
			if err != nil {
				return nil, err
			}
			findings = append(findings, f)
		}
	}

	return findings, nil
}

func (d *RapidExchangeDetector) finding(e1, e2, e3 *custody.Event, hours, windowHours float64) (Finding, error) {
	evidence := []string{e1.ID, e2.ID, e3.ID}
	payload, err := json.Marshal(RapidExchangeContext{
		Logs:          evidence,
		TimespanHours: hours,
		Actions:       []custody.Action{e1.Action, e2.Action, e3.Action},
	})
	if err != nil {
		return Finding{}, fmt.Errorf("failed to marshal rapid exchange context: %w", err)
	}

	return Finding{
		AssetID:     e1.AssetID,
		HandlerID:   e3.HandlerID,
		Kind:        KindRapidExchange,
		Score:       rapidExchangeScore(hours, windowHours),
		Explanation: fmt.Sprintf("Firearm %s had 3 custody actions within %.1f hours", assetLabel(e1.AssetLabel, e1.AssetID), hours),
		Context:     payload,

		EvidenceEventIDs: evidence,
	}, nil
}

// rapidExchangeScore is min(100, window/hours * 30): faster exchanges score higher.
func rapidExchangeScore(hours, windowHours float64) float64 {
	if hours < minTimespanHours {
		hours = minTimespanHours
	}
	return math.Min(100, windowHours/hours*30)
}

func assetLabel(label, id string) string {
	if label != "" {
		return label
	}
	return id
}
