// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/custodywatch/internal/config"
	"github.com/tomtom215/custodywatch/internal/custody"
	"github.com/tomtom215/custodywatch/internal/database"
	"github.com/tomtom215/custodywatch/internal/detection"
	"github.com/tomtom215/custodywatch/internal/models"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	handler  http.Handler
	db       *database.DB
	store    *detection.DuckDBStore
	handlers *AnomalyHandlers
}

func setupTestServer(t *testing.T, mwCfg *ChiMiddlewareConfig) *testServer {
	t.Helper()

	db, err := database.New(&config.DatabaseConfig{Threads: 1})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := detection.NewDuckDBStore(db.Conn())
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	scanner := detection.NewScanner(db, db, store, detection.DefaultScanConfig())
	handlers := NewAnomalyHandlers(store, scanner)
	handlers.now = func() time.Time { return testNow }

	if mwCfg == nil {
		mwCfg = DefaultChiMiddlewareConfig()
		mwCfg.RateLimitDisabled = true
	}
	health := NewHealthHandler("test", map[string]Pinger{"duckdb": db})
	router := NewRouter(handlers, health, NewChiMiddleware(mwCfg))

	return &testServer{
		handler:  router.SetupChi(),
		db:       db,
		store:    store,
		handlers: handlers,
	}
}

// seedRapidExchange stores ASSIGNED, TRANSFERRED, RETURNED for one firearm
// within three hours.
func (ts *testServer) seedRapidExchange(t *testing.T) {
	t.Helper()
	base := testNow.Add(-5 * time.Hour)
	events := []custody.Event{
		{ID: "log-1", AssetID: "F1", HandlerID: "O1", Action: custody.ActionAssigned, Timestamp: base, AssetLabel: "SN-100"},
		{ID: "log-2", AssetID: "F1", HandlerID: "O2", Action: custody.ActionTransferred, Timestamp: base.Add(time.Hour), AssetLabel: "SN-100"},
		{ID: "log-3", AssetID: "F1", HandlerID: "O2", Action: custody.ActionReturned, Timestamp: base.Add(3 * time.Hour), AssetLabel: "SN-100"},
	}
	if err := ts.db.InsertEvents(context.Background(), events); err != nil {
		t.Fatalf("seed events: %v", err)
	}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Status   string           `json:"status"`
	Data     json.RawMessage  `json:"data"`
	Metadata models.Metadata  `json:"metadata"`
	Error    *models.APIError `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	return env
}

func (ts *testServer) scan(t *testing.T) scanResponse {
	t.Helper()
	rec := ts.do(http.MethodPost, "/api/v1/anomalies/scan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("scan status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp scanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode scan response: %v", err)
	}
	return resp
}

func (ts *testServer) firstAnomalyID(t *testing.T) int64 {
	t.Helper()
	records, err := ts.store.List(context.Background(), detection.Filter{})
	if err != nil || len(records) == 0 {
		t.Fatalf("expected stored anomalies, got %d (err %v)", len(records), err)
	}
	return records[0].ID
}

func TestRunScan(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.seedRapidExchange(t)

	resp := ts.scan(t)
	if !resp.Success || resp.Detected != 1 || len(resp.Anomalies) != 1 {
		t.Fatalf("unexpected scan response: %+v", resp)
	}
	if resp.Anomalies[0].Kind != detection.KindRapidExchange {
		t.Errorf("kind = %s, want %s", resp.Anomalies[0].Kind, detection.KindRapidExchange)
	}
	if resp.ScanID == "" {
		t.Error("expected a scan id")
	}

	// A second scan merges into the same live record.
	ts.scan(t)
	records, err := ts.store.List(context.Background(), detection.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 stored anomaly after rescan, got %d", len(records))
	}
}

func TestRunScan_EmptySource(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/v1/anomalies/scan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"anomalies":[]`) {
		t.Errorf("expected empty anomalies array, got %s", rec.Body.String())
	}
}

func TestRunScan_DetectAlias(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.seedRapidExchange(t)

	rec := ts.do(http.MethodPost, "/api/v1/anomalies/detect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp scanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Detected != 1 || len(resp.Anomalies) != 1 {
		t.Fatalf("response = %+v, want one detected anomaly", resp)
	}
	if ids := resp.Anomalies[0].EvidenceEventIDs; len(ids) != 3 {
		t.Errorf("evidence_event_ids = %v, want 3 ids", ids)
	}
}

type failingScanner struct {
	err error
}

func (f failingScanner) RunScan(context.Context, time.Time) (*detection.ScanSummary, error) {
	return nil, f.err
}

func TestRunScan_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"data unavailable", fmt.Errorf("%w: connection refused", detection.ErrDataUnavailable), http.StatusServiceUnavailable, "DATA_UNAVAILABLE"},
		{"merge failure", fmt.Errorf("%w: disk full", detection.ErrMergeWrite), http.StatusInternalServerError, "SCAN_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAnomalyHandlers(nil, failingScanner{err: tt.err})
			rec := httptest.NewRecorder()
			h.RunScan(rec, httptest.NewRequest(http.MethodPost, "/api/v1/anomalies/scan", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			env := decodeEnvelope(t, rec)
			if env.Error == nil || env.Error.Code != tt.wantErr {
				t.Errorf("error = %+v, want code %s", env.Error, tt.wantErr)
			}
		})
	}
}

func TestListAnomalies(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.seedRapidExchange(t)
	ts.scan(t)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
	}{
		{"all", "", http.StatusOK, 1},
		{"by kind", "?kind=RAPID_EXCHANGE", http.StatusOK, 1},
		{"other kind", "?kind=FREQUENT_TRANSFERS", http.StatusOK, 0},
		{"by status", "?status=DETECTED", http.StatusOK, 1},
		{"by asset", "?asset_id=F1", http.StatusOK, 1},
		{"min score above", "?min_score=100.5", http.StatusBadRequest, 0},
		{"invalid kind", "?kind=STOLEN", http.StatusBadRequest, 0},
		{"invalid limit", "?limit=abc", http.StatusBadRequest, 0},
		{"limit too large", "?limit=5000", http.StatusBadRequest, 0},
		{"negative offset", "?offset=-1", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, "/api/v1/anomalies"+tt.query, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}

			env := decodeEnvelope(t, rec)
			var records []detection.Record
			if err := json.Unmarshal(env.Data, &records); err != nil {
				t.Fatalf("decode records: %v", err)
			}
			if len(records) != tt.wantCount {
				t.Errorf("got %d records, want %d", len(records), tt.wantCount)
			}
			if env.Metadata.Pagination == nil || env.Metadata.Pagination.Limit != defaultListLimit {
				t.Errorf("unexpected pagination: %+v", env.Metadata.Pagination)
			}
		})
	}
}

func TestGetAnomaly(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.seedRapidExchange(t)
	ts.scan(t)
	id := ts.firstAnomalyID(t)

	rec := ts.do(http.MethodGet, fmt.Sprintf("/api/v1/anomalies/%d", id), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got detection.Record
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &got); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if got.ID != id || got.AssetID != "F1" || got.Kind != detection.KindRapidExchange {
		t.Errorf("unexpected record: %+v", got)
	}
	if !strings.Contains(got.Explanation, "SN-100") {
		t.Errorf("explanation should use the serial number: %q", got.Explanation)
	}

	if rec := ts.do(http.MethodGet, "/api/v1/anomalies/99999", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/api/v1/anomalies/abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id status = %d, want 400", rec.Code)
	}
}

func TestReviewAnomaly(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.seedRapidExchange(t)
	ts.scan(t)
	id := ts.firstAnomalyID(t)
	path := fmt.Sprintf("/api/v1/anomalies/%d/review", id)

	t.Run("valid review", func(t *testing.T) {
		rec := ts.do(http.MethodPost, path,
			`{"status":"FALSE_POSITIVE","reviewed_by":"sgt.miller","notes":"Range day rotation"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
		}
		var got detection.Record
		if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &got); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if got.Status != detection.StatusFalsePositive || got.ReviewedBy != "sgt.miller" ||
			got.ResolutionNotes != "Range day rotation" {
			t.Errorf("review not applied: %+v", got)
		}
		if got.ReviewedAt == nil || !got.ReviewedAt.Equal(testNow) {
			t.Errorf("reviewed_at = %v, want %v", got.ReviewedAt, testNow)
		}
	})

	t.Run("rejected input", func(t *testing.T) {
		bodies := []string{
			`{"status":"IGNORED","reviewed_by":"sgt.miller"}`,
			`{"status":"REVIEWED"}`,
			`not json`,
		}
		for _, body := range bodies {
			if rec := ts.do(http.MethodPost, path, body); rec.Code != http.StatusBadRequest {
				t.Errorf("body %q: status = %d, want 400", body, rec.Code)
			}
		}
	})

	t.Run("unknown anomaly", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/api/v1/anomalies/99999/review",
			`{"status":"REVIEWED","reviewed_by":"sgt.miller"}`)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestStatistics(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.seedRapidExchange(t)
	ts.scan(t)

	rec := ts.do(http.MethodGet, "/api/v1/anomalies/statistics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats detection.Statistics
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &stats); err != nil {
		t.Fatalf("decode statistics: %v", err)
	}
	if stats.ByStatus[detection.StatusDetected] != 1 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
	if len(stats.ByKind) != 1 || stats.ByKind[0].Kind != detection.KindRapidExchange {
		t.Errorf("by_kind = %+v", stats.ByKind)
	}
}

func TestStatisticsCache(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.seedRapidExchange(t)
	ts.scan(t)

	first := ts.do(http.MethodGet, "/api/v1/anomalies/statistics", "")
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("first X-Cache = %q, want MISS", got)
	}
	second := ts.do(http.MethodGet, "/api/v1/anomalies/statistics", "")
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", got)
	}

	id := ts.firstAnomalyID(t)
	body := `{"status":"FALSE_POSITIVE","reviewed_by":"sgt.kim"}`
	if rec := ts.do(http.MethodPost, fmt.Sprintf("/api/v1/anomalies/%d/review", id), body); rec.Code != http.StatusOK {
		t.Fatalf("review status = %d: %s", rec.Code, rec.Body.String())
	}

	third := ts.do(http.MethodGet, "/api/v1/anomalies/statistics", "")
	if got := third.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache after review = %q, want MISS", got)
	}
	var stats detection.Statistics
	if err := json.Unmarshal(decodeEnvelope(t, third).Data, &stats); err != nil {
		t.Fatalf("decode statistics: %v", err)
	}
	if stats.ByStatus[detection.StatusFalsePositive] != 1 {
		t.Errorf("by_status after review = %v", stats.ByStatus)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection reset") }

func TestHealthz(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"duckdb":"ok"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	h := NewHealthHandler("test", map[string]Pinger{"postgres": failingPinger{}})
	rec = httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.do(http.MethodGet, "/api/v1/anomalies", "")

	rec := ts.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "custodywatch_api_requests_total") {
		t.Error("expected API request metrics to be exported")
	}
}
