// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package validation

import (
	"strings"
	"testing"
)

type sampleRequest struct {
	Status   string  `validate:"required,oneof=REVIEWED RESOLVED"`
	Limit    int     `validate:"min=1,max=500"`
	MinScore float64 `validate:"gte=0,lte=100"`
	Notes    string  `validate:"max=10"`
	Schedule string  `validate:"omitempty,cron"`
}

func TestGetValidator_Singleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("GetValidator() should return the same instance")
	}
}

func TestValidateStruct(t *testing.T) {
	valid := sampleRequest{Status: "REVIEWED", Limit: 10, MinScore: 50, Schedule: "0 2 * * *"}

	tests := []struct {
		name    string
		mutate  func(r *sampleRequest)
		wantTag string
		wantMsg string
	}{
		{name: "valid", mutate: func(r *sampleRequest) {}},
		{name: "descriptor schedule", mutate: func(r *sampleRequest) { r.Schedule = "@daily" }},
		{name: "missing status", mutate: func(r *sampleRequest) { r.Status = "" }, wantTag: "required", wantMsg: "Status is required"},
		{name: "unknown status", mutate: func(r *sampleRequest) { r.Status = "OPEN" }, wantTag: "oneof", wantMsg: "Status must be one of: REVIEWED RESOLVED"},
		{name: "limit too small", mutate: func(r *sampleRequest) { r.Limit = 0 }, wantTag: "min", wantMsg: "Limit must be at least 1"},
		{name: "score above range", mutate: func(r *sampleRequest) { r.MinScore = 101 }, wantTag: "lte", wantMsg: "MinScore must be less than or equal to 100"},
		{name: "notes too long", mutate: func(r *sampleRequest) { r.Notes = strings.Repeat("x", 11) }, wantTag: "max", wantMsg: "Notes must be at most 10 characters"},
		{name: "bad cron", mutate: func(r *sampleRequest) { r.Schedule = "every day" }, wantTag: "cron", wantMsg: "Schedule must be a valid cron expression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)

			verr := ValidateStruct(&req)
			if tt.wantTag == "" {
				if verr != nil {
					t.Fatalf("unexpected validation error: %v", verr)
				}
				return
			}
			if verr == nil {
				t.Fatal("expected validation error, got nil")
			}
			if len(verr.Fields) != 1 {
				t.Fatalf("expected 1 field error, got %d: %v", len(verr.Fields), verr)
			}
			if verr.Fields[0].Tag != tt.wantTag {
				t.Errorf("tag = %q, want %q", verr.Fields[0].Tag, tt.wantTag)
			}
			if verr.Fields[0].Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", verr.Fields[0].Message, tt.wantMsg)
			}
		})
	}
}

func TestToAPIError(t *testing.T) {
	verr := ValidateStruct(&sampleRequest{Status: "", Limit: 0})
	if verr == nil {
		t.Fatal("expected validation error")
	}
	apiErr := verr.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("Code = %q, want VALIDATION_ERROR", apiErr.Code)
	}
	fields, ok := apiErr.Details["fields"].([]map[string]interface{})
	if !ok || len(fields) != 2 {
		t.Fatalf("expected two field details, got %#v", apiErr.Details)
	}
	if !strings.Contains(apiErr.Message, "Status is required") {
		t.Errorf("Message = %q, want it to mention Status", apiErr.Message)
	}
}
