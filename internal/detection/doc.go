// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

// Package detection implements the custody anomaly scan: feature extraction,
// four detectors and the merge that folds their findings into a stable set of
// persisted anomaly records.
//
// Scan Architecture:
//
//	EventSource ------+                     +-> RapidExchange ------+
//	                  +-> ExtractFeatures --+-> FrequentTransfers --+-> Merger -> Repository
//	AssignmentSource -+                     +-> StatisticalOutlier -+      |
//	                  +-----------------------> OverdueCustody -----+      v
//	                                                                   Notifiers
//
// Both reads complete before any detector runs; a failed read aborts the scan
// with ErrDataUnavailable and nothing is written. Detectors share a read-only
// ScanInput and run concurrently. A clustering failure drops only the
// statistical outlier findings.
//
// Deduplication:
// A record is live while its status is DETECTED and it was detected within
// the dedup window (7 days by default). A finding whose identity triple
// (asset, handler, kind) matches a live record updates it in place: the score
// only rises, the explanation and context are replaced and the detection time
// is kept. Otherwise a new DETECTED record is inserted. Absent asset or
// handler identifiers compare equal, so handler-level findings deduplicate
// like asset-level ones.
//
// Scoring (all scores are clamped to 0-100):
//   - RAPID_EXCHANGE: window hours / elapsed hours * 30
//   - FREQUENT_TRANSFERS: transfers in the last 30 days * 10
//   - PROLONGED_ABSENCE: whole days overdue * 5
//   - UNUSUAL_PATTERN: total actions * 2, emitted above 50
package detection
