// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/custodywatch/internal/cache"
	"github.com/tomtom215/custodywatch/internal/detection"
	"github.com/tomtom215/custodywatch/internal/logging"
	"github.com/tomtom215/custodywatch/internal/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxReviewBody    = 64 << 10

	statisticsTTL = 30 * time.Second
)

// AnomalyStore is the persistence the anomaly handlers read and review through.
type AnomalyStore interface {
	List(ctx context.Context, filter detection.Filter) ([]detection.Record, error)
	Get(ctx context.Context, id int64) (*detection.Record, error)
	Review(ctx context.Context, id int64, review detection.Review) (*detection.Record, error)
	Statistics(ctx context.Context, now time.Time) (*detection.Statistics, error)
}

// ScanRunner runs one anomaly scan as of now.
type ScanRunner interface {
	RunScan(ctx context.Context, now time.Time) (*detection.ScanSummary, error)
}

// AnomalyHandlers provides HTTP handlers for anomaly endpoints.
type AnomalyHandlers struct {
	store   AnomalyStore
	scanner ScanRunner
	now     func() time.Time
	stats   *cache.Cache[*detection.Statistics]
}

// NewAnomalyHandlers creates anomaly handlers using the wall clock.
func NewAnomalyHandlers(store AnomalyStore, scanner ScanRunner) *AnomalyHandlers {
	return &AnomalyHandlers{
		store:   store,
		scanner: scanner,
		now:     func() time.Time { return time.Now().UTC() },
		stats:   cache.New[*detection.Statistics](statisticsTTL),
	}
}

// ListRequest holds validated list query parameters.
type ListRequest struct {
	Status    string   `validate:"omitempty,oneof=DETECTED REVIEWED RESOLVED FALSE_POSITIVE"`
	Kind      string   `validate:"omitempty,oneof=RAPID_EXCHANGE FREQUENT_TRANSFERS PROLONGED_ABSENCE UNUSUAL_PATTERN"`
	AssetID   string   `validate:"max=128"`
	HandlerID string   `validate:"max=128"`
	MinScore  *float64 `validate:"omitempty,gte=0,lte=100"`
	Limit     int      `validate:"min=1,max=1000"`
	Offset    int      `validate:"min=0"`
}

// ReviewRequest is the body of POST /api/v1/anomalies/{id}/review.
type ReviewRequest struct {
	Status     string `json:"status" validate:"required,oneof=DETECTED REVIEWED RESOLVED FALSE_POSITIVE"`
	ReviewedBy string `json:"reviewed_by" validate:"required,max=255"`
	Notes      string `json:"notes" validate:"max=4000"`
}

type scanResponse struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message"`
	ScanID    string              `json:"scan_id"`
	Detected  int                 `json:"detected"`
	Anomalies []detection.Finding `json:"anomalies"`
}

// RunScan handles POST /api/v1/anomalies/scan
func (h *AnomalyHandlers) RunScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := h.scanner.RunScan(ctx, h.now())
	if err != nil {
		if errors.Is(err, detection.ErrDataUnavailable) {
			respondError(w, http.StatusServiceUnavailable, "DATA_UNAVAILABLE", "Custody data is unavailable", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "SCAN_ERROR", "Anomaly scan failed", err)
		return
	}
	h.stats.Clear()

	logging.Ctx(ctx).Info().
		Str("scan_id", summary.ScanID).
		Int("detected", summary.DetectedCount).
		Msg("Manual anomaly scan completed")

	writeJSON(w, http.StatusOK, scanResponse{
		Success:   true,
		Message:   "Anomaly scan completed",
		ScanID:    summary.ScanID,
		Detected:  summary.DetectedCount,
		Anomalies: summary.Findings,
	})
}

// ListAnomalies handles GET /api/v1/anomalies
func (h *AnomalyHandlers) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := parseIntParam(q.Get("limit"), defaultListLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
		return
	}
	offset, err := parseIntParam(q.Get("offset"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be an integer", nil)
		return
	}

	req := ListRequest{
		Status:    q.Get("status"),
		Kind:      q.Get("kind"),
		AssetID:   q.Get("asset_id"),
		HandlerID: q.Get("handler_id"),
		Limit:     limit,
		Offset:    offset,
	}
	if v := q.Get("min_score"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "min_score must be a number", nil)
			return
		}
		req.MinScore = &score
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondValidationError(w, apiErr)
		return
	}

	records, err := h.store.List(r.Context(), detection.Filter{
		Status:    detection.Status(req.Status),
		Kind:      detection.Kind(req.Kind),
		AssetID:   req.AssetID,
		HandlerID: req.HandlerID,
		MinScore:  req.MinScore,
		Limit:     req.Limit,
		Offset:    req.Offset,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to fetch anomalies", err)
		return
	}

	respondJSON(w, http.StatusOK, records, &models.Pagination{
		Limit:    req.Limit,
		Offset:   req.Offset,
		Returned: len(records),
		HasMore:  len(records) == req.Limit,
	})
}

// GetAnomaly handles GET /api/v1/anomalies/{id}
func (h *AnomalyHandlers) GetAnomaly(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid anomaly ID", nil)
		return
	}

	rec, err := h.store.Get(r.Context(), id)
	if errors.Is(err, detection.ErrNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Anomaly not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to fetch anomaly", err)
		return
	}

	respondJSON(w, http.StatusOK, rec, nil)
}

// ReviewAnomaly handles POST /api/v1/anomalies/{id}/review
func (h *AnomalyHandlers) ReviewAnomaly(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid anomaly ID", nil)
		return
	}

	var req ReviewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReviewBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", nil)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondValidationError(w, apiErr)
		return
	}

	rec, err := h.store.Review(r.Context(), id, detection.Review{
		Status:     detection.Status(req.Status),
		ReviewedBy: req.ReviewedBy,
		Notes:      req.Notes,
		ReviewedAt: h.now(),
	})
	if errors.Is(err, detection.ErrNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Anomaly not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to review anomaly", err)
		return
	}
	h.stats.Clear()

	logging.Ctx(r.Context()).Info().
		Int64("anomaly_id", id).
		Str("status", req.Status).
		Str("reviewed_by", sanitizeLogValue(req.ReviewedBy)).
		Msg("Anomaly reviewed")

	respondJSON(w, http.StatusOK, rec, nil)
}

// Statistics handles GET /api/v1/anomalies/statistics
func (h *AnomalyHandlers) Statistics(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	key := cache.GenerateKey("statistics", now.Format(time.DateOnly))

	if stats, ok := h.stats.Get(key); ok {
		w.Header().Set("X-Cache", "HIT")
		respondJSON(w, http.StatusOK, stats, nil)
		return
	}

	stats, err := h.store.Statistics(r.Context(), now)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to compute statistics", err)
		return
	}
	h.stats.Set(key, stats)

	w.Header().Set("X-Cache", "MISS")
	respondJSON(w, http.StatusOK, stats, nil)
}
