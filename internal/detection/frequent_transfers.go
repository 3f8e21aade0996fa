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

// FrequentTransfersContext is the context payload of a FREQUENT_TRANSFERS finding.
type FrequentTransfersContext struct {
	TransferCount int       `json:"transfer_count"`
	Period        string    `json:"period"`
	WindowStart   time.Time `json:"window_start"`
}

// FrequentTransferDetector counts TRANSFERRED events per asset inside the
// trailing window and flags assets strictly above the threshold.
type FrequentTransferDetector struct {
	window    time.Duration
	threshold int
}

// NewFrequentTransferDetector creates a detector (30 days and 5 by default).
func NewFrequentTransferDetector(window time.Duration, threshold int) *FrequentTransferDetector {
	return &FrequentTransferDetector{window: window, threshold: threshold}
}

// Kind returns KindFrequentTransfers.
func (d *FrequentTransferDetector) Kind() Kind {
	return KindFrequentTransfers
}

// Detect implements Detector.
func (d *FrequentTransferDetector) Detect(_ context.Context, in *ScanInput) ([]Finding, error) {
	windowStart := in.Now.Add(-d.window)
	days := int(math.Round(d.window.Hours() / 24))
	var findings []Finding

	for _, assetID := range in.Features.AssetOrder {
		var (
			count  int
			latest *custody.Event
		)
		seq := in.Features.ByAsset[assetID]
		for i := range seq {
			e := &seq[i]
			if e.Action != custody.ActionTransferred || !e.Timestamp.After(windowStart) || e.Timestamp.After(in.Now) {
				continue
			}
			count++
			latest = e
		}
		if count <= d.threshold {
			continue
		}

		payload, err := json.Marshal(FrequentTransfersContext{
			TransferCount: count,
			Period:        fmt.Sprintf("%d days", days),
			WindowStart:   windowStart,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal frequent transfers context: %w", err)
		}

		findings = append(findings, Finding{
			AssetID:   assetID,
			HandlerID: latest.HandlerID,
			Kind:      KindFrequentTransfers,
			Score:     math.Min(100, float64(count)*10),
			Explanation: fmt.Sprintf("Firearm %s has been transferred %d times in the last %d days",
				assetLabel(latest.AssetLabel, assetID), count, days),
			Context: payload,
		})
	}

	return findings, nil
}
