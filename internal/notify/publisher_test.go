// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/custodywatch/internal/config"
	"github.com/tomtom215/custodywatch/internal/detection"
	"github.com/tomtom215/custodywatch/internal/logging"
)

type failingPublisher struct {
	calls atomic.Int32
}

func (p *failingPublisher) Publish(string, ...*message.Message) error {
	p.calls.Add(1)
	return errors.New("nats unavailable")
}

func (p *failingPublisher) Close() error { return nil }

func testConfig() *config.NATSConfig {
	return &config.NATSConfig{
		Enabled:                 true,
		Subject:                 "custody.anomaly.test",
		PublishTimeout:          time.Second,
		CircuitBreakerFailures:  2,
		CircuitBreakerTimeout:   time.Minute,
		CircuitBreakerHalfOpens: 1,
	}
}

func testRecord() *detection.Record {
	return &detection.Record{
		ID:          42,
		AssetID:     "firearm-1",
		HandlerID:   "officer-7",
		Kind:        detection.KindRapidExchange,
		Score:       87.5,
		Explanation: "Firearm SN-1 changed hands 6 times in 24 hours",
		Context:     json.RawMessage(`{"exchangeCount":6}`),
		Status:      detection.StatusDetected,
		DetectedAt:  time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestNATSNotifier_Send(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	cfg := testConfig()
	messages, err := pubSub.Subscribe(context.Background(), cfg.Subject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewNATSNotifier(cfg, pubSub)
	ctx := logging.ContextWithCorrelationID(context.Background(), "abc12345")
	if err := n.Send(ctx, testRecord()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-messages:
		msg.Ack()

		var got detection.Record
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatalf("payload is not a record: %v", err)
		}
		if got.ID != 42 || got.Kind != detection.KindRapidExchange || got.Score != 87.5 {
			t.Errorf("unexpected payload: %+v", got)
		}
		if string(got.Context) != `{"exchangeCount":6}` {
			t.Errorf("context = %s, want original bytes", got.Context)
		}

		wantMeta := map[string]string{
			"kind":           string(detection.KindRapidExchange),
			"asset_id":       "firearm-1",
			"handler_id":     "officer-7",
			"correlation_id": "abc12345",
			natsgo.MsgIdHdr:  "anomaly-42-87.5",
		}
		for k, v := range wantMeta {
			if msg.Metadata.Get(k) != v {
				t.Errorf("metadata %s = %q, want %q", k, msg.Metadata.Get(k), v)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestNewMessage_DeduplicationID(t *testing.T) {
	ctx := context.Background()

	first, err := newMessage(ctx, testRecord())
	if err != nil {
		t.Fatalf("newMessage() error = %v", err)
	}
	again, err := newMessage(ctx, testRecord())
	if err != nil {
		t.Fatalf("newMessage() error = %v", err)
	}
	if a, b := first.Metadata.Get(natsgo.MsgIdHdr), again.Metadata.Get(natsgo.MsgIdHdr); a != b {
		t.Errorf("unchanged record produced ids %q and %q", a, b)
	}

	escalated := testRecord()
	escalated.Score = 95
	raised, err := newMessage(ctx, escalated)
	if err != nil {
		t.Fatalf("newMessage() error = %v", err)
	}
	if raised.Metadata.Get(natsgo.MsgIdHdr) == first.Metadata.Get(natsgo.MsgIdHdr) {
		t.Error("escalated score reused the previous message id")
	}

	other := testRecord()
	other.ID = 43
	if MessageID(other) == MessageID(testRecord()) {
		t.Error("different records share a message id")
	}
}

func TestNATSNotifier_DefaultSubject(t *testing.T) {
	cfg := testConfig()
	cfg.Subject = ""
	n := NewNATSNotifier(cfg, &failingPublisher{})
	if n.Subject() != DefaultSubject {
		t.Errorf("Subject() = %q, want %q", n.Subject(), DefaultSubject)
	}
	if n.Name() != "nats" {
		t.Errorf("Name() = %q", n.Name())
	}
}

func TestNATSNotifier_BreakerOpens(t *testing.T) {
	pub := &failingPublisher{}
	n := NewNATSNotifier(testConfig(), pub)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := n.Send(ctx, testRecord()); err == nil {
			t.Fatalf("send %d: expected publish error", i)
		}
	}

	err := n.Send(ctx, testRecord())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if got := pub.calls.Load(); got != 2 {
		t.Errorf("publisher called %d times, want 2", got)
	}
	if n.BreakerState() != "open" {
		t.Errorf("BreakerState() = %q, want open", n.BreakerState())
	}
}

func TestNATSNotifier_Close(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	n := NewNATSNotifier(testConfig(), pubSub)

	if err := n.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := n.Send(context.Background(), testRecord()); !errors.Is(err, ErrNotifierClosed) {
		t.Errorf("Send after Close = %v, want ErrNotifierClosed", err)
	}
}

func TestNATSNotifier_CanceledContext(t *testing.T) {
	pub := &failingPublisher{}
	n := NewNATSNotifier(testConfig(), pub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := n.Send(ctx, testRecord()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if pub.calls.Load() != 0 {
		t.Error("publisher should not be called with a canceled context")
	}
}
