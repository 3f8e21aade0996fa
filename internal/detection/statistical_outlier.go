// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package detection

import (
	"context"
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
)

// UnusualPatternContext is the context payload of an UNUSUAL_PATTERN finding.
type UnusualPatternContext struct {
	TotalActions int     `json:"total_actions"`
	Assignments  int     `json:"assignments"`
	Returns      int     `json:"returns"`
	Transfers    int     `json:"transfers"`
	UniqueAssets int     `json:"unique_assets"`
	AvgGapHours  float64 `json:"avg_gap_hours"`
	Cluster      int     `json:"cluster"`
	ClusterMean  float64 `json:"cluster_mean"`
}

// Partitioner splits observations into k clusters.
type Partitioner interface {
	Partition(dataset clusters.Observations, k int) (clusters.Clusters, error)
}

// handlerPoint is a handler's feature vector as a k-means observation.
type handlerPoint struct {
	features *HandlerFeatures
	coords   clusters.Coordinates
}

func (p handlerPoint) Coordinates() clusters.Coordinates {
	return p.coords
}

func (p handlerPoint) Distance(other clusters.Coordinates) float64 {
	return p.coords.Distance(other)
}

// StatisticalOutlierDetector clusters handler feature vectors with k-means
// and flags members of the cluster whose centroid has the highest mean
// coordinate. Cluster membership depends on random initialisation; only the
// highest-mean rule and the score threshold are fixed.
type StatisticalOutlierDetector struct {
	minHandlers int
	maxClusters int
	minScore    float64
	partitioner Partitioner
}

// NewStatisticalOutlierDetector creates a detector (5 handlers, k <= 3, score > 50 by default).
func NewStatisticalOutlierDetector(minHandlers, maxClusters int, minScore float64) *StatisticalOutlierDetector {
	return &StatisticalOutlierDetector{
		minHandlers: minHandlers,
		maxClusters: maxClusters,
		minScore:    minScore,
		partitioner: kmeans.New(),
	}
}

// SetPartitioner replaces the k-means implementation. Intended for tests.
func (d *StatisticalOutlierDetector) SetPartitioner(p Partitioner) {
	d.partitioner = p
}

// Kind returns KindUnusualPattern.
func (d *StatisticalOutlierDetector) Kind() Kind {
	return KindUnusualPattern
}

// Detect implements Detector. It returns (nil, nil) when there are too few
// handlers, and an error wrapping ErrClusteringFailure when partitioning fails.
func (d *StatisticalOutlierDetector) Detect(_ context.Context, in *ScanInput) ([]Finding, error) {
	n := len(in.Features.HandlerOrder)
	if n < d.minHandlers {
		return nil, nil
	}
	k := min(d.maxClusters, n/2)

	dataset := make(clusters.Observations, 0, n)
	for _, id := range in.Features.HandlerOrder {
		h := in.Features.ByHandler[id]
		dataset = append(dataset, handlerPoint{features: h, coords: h.Vector()})
	}

	result, err := d.partition(dataset, k)
	if err != nil {
		return nil, err
	}

	top, topMean := highestMeanCluster(result)
	if top < 0 {
		return nil, nil
	}

	var findings []Finding
	for _, obs := range result[top].Observations {
		p, ok := obs.(handlerPoint)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected observation type %T", ErrClusteringFailure, obs)
		}
		h := p.features
		score := math.Min(100, float64(h.TotalActions)*2)
		if score <= d.minScore {
			continue
		}

		payload, err := json.Marshal(UnusualPatternContext{
			TotalActions: h.TotalActions,
			Assignments:  h.AssignedCount,
			Returns:      h.ReturnedCount,
			Transfers:    h.TransferredCount,
			UniqueAssets: h.DistinctAssets,
			AvgGapHours:  h.AvgGapHours,
			Cluster:      top,
			ClusterMean:  topMean,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal unusual pattern context: %w", err)
		}

		label := h.HandlerLabel
		if label == "" {
			label = h.HandlerID
		}
		findings = append(findings, Finding{
			HandlerID: h.HandlerID,
			Kind:      KindUnusualPattern,
			Score:     score,
			Explanation: fmt.Sprintf("Officer %s shows unusual custody pattern: %d actions, %d firearms",
				label, h.TotalActions, h.DistinctAssets),
			Context: payload,
		})
	}

	return findings, nil
}

// partition runs the partitioner, converting errors and panics into ErrClusteringFailure.
func (d *StatisticalOutlierDetector) partition(dataset clusters.Observations, k int) (result clusters.Clusters, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: panic during k-means: %v", ErrClusteringFailure, r)
		}
	}()

	result, err = d.partitioner.Partition(dataset, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClusteringFailure, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no clusters returned", ErrClusteringFailure)
	}
	return result, nil
}

// highestMeanCluster returns the index and centroid mean of the cluster whose
// centroid has the highest arithmetic mean. Ties keep the first index. Empty
// clusters are ignored; -1 means no cluster has members.
func highestMeanCluster(cc clusters.Clusters) (int, float64) {
	best, bestMean := -1, math.Inf(-1)
	for i, c := range cc {
		if len(c.Observations) == 0 || len(c.Center) == 0 {
			continue
		}
		var sum float64
		for _, v := range c.Center {
			sum += v
		}
		if mean := sum / float64(len(c.Center)); mean > bestMean {
			best, bestMean = i, mean
		}
	}
	return best, bestMean
}
