// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package detection

import (
	"sort"

	"github.com/tomtom215/custodywatch/internal/custody"
)

// Features holds the two views the detectors work on.
type Features struct {
	// ByAsset maps asset ID to its events sorted by timestamp ascending.
	ByAsset map[string][]custody.Event

	// AssetOrder lists asset IDs in order of first appearance.
	AssetOrder []string

	// ByHandler maps handler ID to its behaviour summary. Events without a
	// handler are not represented.
	ByHandler map[string]*HandlerFeatures

	// HandlerOrder lists handler IDs in order of first appearance.
	HandlerOrder []string
}

// ExtractFeatures builds the per-asset sequences and per-handler vectors.
// The input slice is not modified.
func ExtractFeatures(events []custody.Event) *Features {
	f := &Features{
		ByAsset:   make(map[string][]custody.Event),
		ByHandler: make(map[string]*HandlerFeatures),
	}

	handlerAssets := make(map[string]map[string]struct{})
	handlerTimes := make(map[string][]int64)

	for i := range events {
		e := &events[i]

		if _, ok := f.ByAsset[e.AssetID]; !ok {
			f.AssetOrder = append(f.AssetOrder, e.AssetID)
		}
		f.ByAsset[e.AssetID] = append(f.ByAsset[e.AssetID], *e)

		if !e.HasHandler() {
			continue
		}
		h, ok := f.ByHandler[e.HandlerID]
		if !ok {
			h = &HandlerFeatures{HandlerID: e.HandlerID}
			f.ByHandler[e.HandlerID] = h
			f.HandlerOrder = append(f.HandlerOrder, e.HandlerID)
			handlerAssets[e.HandlerID] = make(map[string]struct{})
		}
		if h.HandlerLabel == "" {
			h.HandlerLabel = e.HandlerLabel
		}
		h.TotalActions++
		switch e.Action {
		case custody.ActionAssigned:
			h.AssignedCount++
		case custody.ActionReturned:
			h.ReturnedCount++
		case custody.ActionTransferred:
			h.TransferredCount++
		}
		handlerAssets[e.HandlerID][e.AssetID] = struct{}{}
		handlerTimes[e.HandlerID] = append(handlerTimes[e.HandlerID], e.Timestamp.UnixNano())
	}

	for _, seq := range f.ByAsset {
		sort.SliceStable(seq, func(i, j int) bool {
			return seq[i].Timestamp.Before(seq[j].Timestamp)
		})
	}

	for id, h := range f.ByHandler {
		h.DistinctAssets = len(handlerAssets[id])
		h.AvgGapHours = averageGapHours(handlerTimes[id])
	}

	return f
}

// averageGapHours returns the mean gap between consecutive timestamps after
// sorting, or 0 with fewer than two timestamps.
func averageGapHours(nanos []int64) float64 {
	if len(nanos) < 2 {
		return 0
	}
	sort.Slice(nanos, func(i, j int) bool { return nanos[i] < nanos[j] })
	// The mean of consecutive gaps telescopes to (last - first) / (n - 1).
	span := float64(nanos[len(nanos)-1]-nanos[0]) / float64(3600e9)
	return span / float64(len(nanos)-1)
}
