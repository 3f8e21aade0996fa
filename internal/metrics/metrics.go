// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

// Package metrics holds the Prometheus instruments for Custodywatch and
// small Record* helpers that keep label values consistent across callers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Merge outcomes for MergeTotal.
const (
	MergeInserted = "inserted"
	MergeUpdated  = "updated"
	MergeFailed   = "failed"
)

// Clustering outcomes for ClusteringTotal.
const (
	ClusteringClustered = "clustered"
	ClusteringSkipped   = "skipped"
	ClusteringFailed    = "failed"
)

var (
	// Scan metrics
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodywatch_scans_total",
			Help: "Total number of anomaly scans by result",
		},
		[]string{"result"}, // "success", "error"
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "custodywatch_scan_duration_seconds",
			Help:    "Duration of anomaly scans in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	ScanEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodywatch_scan_events",
			Help: "Number of custody events read by the most recent scan",
		},
	)

	LastScanTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodywatch_last_scan_timestamp_seconds",
			Help: "Unix time of the most recent successful scan",
		},
	)

	// Detection metrics
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodywatch_findings_total",
			Help: "Total number of anomaly findings produced by detectors",
		},
		[]string{"kind"},
	)

	ClusteringTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodywatch_clustering_total",
			Help: "Statistical outlier detector runs by outcome",
		},
		[]string{"outcome"},
	)

	MergeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodywatch_merge_total",
			Help: "Anomaly merge operations by action",
		},
		[]string{"action"},
	)

	// Store metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custodywatch_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodywatch_db_query_errors_total",
			Help: "Total number of database query errors",
		},
		[]string{"operation", "table"},
	)

	DBConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custodywatch_db_conflict_retries_total",
			Help: "Transactions retried after a write-write conflict",
		},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodywatch_notifications_total",
			Help: "Anomaly notifications published by result",
		},
		[]string{"result"}, // "published", "failed", "rejected"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custodywatch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodywatch_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custodywatch_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordScan records the outcome of one scan.
func RecordScan(duration time.Duration, events int, err error) {
	ScanDuration.Observe(duration.Seconds())
	if err != nil {
		ScansTotal.WithLabelValues("error").Inc()
		return
	}
	ScansTotal.WithLabelValues("success").Inc()
	ScanEvents.Set(float64(events))
	LastScanTimestamp.SetToCurrentTime()
}

// RecordFindings adds count findings of kind.
func RecordFindings(kind string, count int) {
	if count <= 0 {
		return
	}
	FindingsTotal.WithLabelValues(kind).Add(float64(count))
}

// RecordClustering records one statistical outlier run.
func RecordClustering(outcome string) {
	ClusteringTotal.WithLabelValues(outcome).Inc()
}

// RecordMerge records a single merge action.
func RecordMerge(action string) {
	MergeTotal.WithLabelValues(action).Inc()
}

// RecordDBQuery records a database query.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordNotification records one publish attempt.
func RecordNotification(result string) {
	NotificationsTotal.WithLabelValues(result).Inc()
}

// RecordAPIRequest records an API request.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
