// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package notify

import (
	"errors"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/custodywatch/internal/metrics"
)

func breakerGauge(t *testing.T, name string) float64 {
	t.Helper()
	var m io_prometheus_client.Metric
	if err := metrics.CircuitBreakerState.WithLabelValues(name).Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "defaults"})
	if cb.Name() != "defaults" {
		t.Errorf("Name() = %q", cb.Name())
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("initial state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "recovery",
		FailureThreshold: 1,
		MaxRequests:      1,
		Timeout:          100 * time.Millisecond,
	})

	_, _ = cb.Execute(func() (any, error) { return nil, errors.New("fail") })
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(150 * time.Millisecond)

	result, err := cb.Execute(func() (any, error) { return "recovered", nil })
	if err != nil {
		t.Fatalf("unexpected error after timeout: %v", err)
	}
	if result != "recovered" {
		t.Errorf("result = %v", result)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestStateValue(t *testing.T) {
	tests := []struct {
		state gobreaker.State
		want  float64
	}{
		{gobreaker.StateClosed, 0},
		{gobreaker.StateHalfOpen, 1},
		{gobreaker.StateOpen, 2},
	}
	for _, tt := range tests {
		if got := stateValue(tt.state); got != tt.want {
			t.Errorf("stateValue(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestCircuitBreaker_StateGauge(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "gauge-test",
		FailureThreshold: 1,
		Timeout:          time.Minute,
	})

	_, _ = cb.Execute(func() (any, error) { return nil, errors.New("fail") })
	if got := breakerGauge(t, "gauge-test"); got != 2 {
		t.Errorf("state gauge = %v, want 2 (open)", got)
	}
}
