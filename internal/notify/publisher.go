// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/custodywatch/internal/config"
	"github.com/tomtom215/custodywatch/internal/detection"
	"github.com/tomtom215/custodywatch/internal/logging"
	"github.com/tomtom215/custodywatch/internal/metrics"
)

// DefaultSubject is the subject anomalies are published on.
const DefaultSubject = "custody.anomaly.detected"

// Notification results for metrics.NotificationsTotal.
const (
	resultPublished = "published"
	resultFailed    = "failed"
	resultRejected  = "rejected"
)

// ErrNotifierClosed is returned by Send after Close.
var ErrNotifierClosed = errors.New("notifier is closed")

var _ detection.Notifier = (*NATSNotifier)(nil)

// NATSNotifier publishes anomaly records through a Watermill publisher.
type NATSNotifier struct {
	publisher      message.Publisher
	circuitBreaker *gobreaker.CircuitBreaker[any]
	subject        string
	timeout        time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewNATSPublisher connects a core NATS Watermill publisher.
func NewNATSPublisher(cfg *config.NATSConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if logger == nil {
		logger = watermill.NewSlogLogger(logging.NewSlogLogger())
	}

	natsOpts := []natsgo.Option{
		natsgo.Name("custodywatch"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	return pub, nil
}

// NewNATSNotifier wraps publisher with the breaker and subject from cfg.
func NewNATSNotifier(cfg *config.NATSConfig, publisher message.Publisher) *NATSNotifier {
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}

	return &NATSNotifier{
		publisher: publisher,
		subject:   subject,
		timeout:   cfg.PublishTimeout,
		circuitBreaker: NewCircuitBreaker(BreakerConfig{
			Name:             "nats-notify",
			FailureThreshold: cfg.CircuitBreakerFailures,
			MaxRequests:      cfg.CircuitBreakerHalfOpens,
			Timeout:          cfg.CircuitBreakerTimeout,
		}),
	}
}

// Name identifies the notifier in logs.
func (n *NATSNotifier) Name() string {
	return "nats"
}

// Subject returns the subject records are published on.
func (n *NATSNotifier) Subject() string {
	return n.subject
}

// Send publishes rec. Errors from an open breaker wrap gobreaker.ErrOpenState.
func (n *NATSNotifier) Send(ctx context.Context, rec *detection.Record) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrNotifierClosed
	}

	msg, err := newMessage(ctx, rec)
	if err != nil {
		metrics.RecordNotification(resultFailed)
		return err
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	msg.SetContext(ctx)

	_, err = n.circuitBreaker.Execute(func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, n.publisher.Publish(n.subject, msg)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordNotification(resultRejected)
		return fmt.Errorf("publish anomaly %d: %w", rec.ID, err)
	case err != nil:
		metrics.RecordNotification(resultFailed)
		return fmt.Errorf("publish anomaly %d: %w", rec.ID, err)
	}

	metrics.RecordNotification(resultPublished)
	logging.Ctx(ctx).Debug().
		Int64("anomaly_id", rec.ID).
		Str("subject", n.subject).
		Msg("Published anomaly notification")
	return nil
}

// BreakerState reports the circuit breaker state, e.g. "closed" or "open".
func (n *NATSNotifier) BreakerState() string {
	return n.circuitBreaker.State().String()
}

// Close closes the underlying publisher. Safe to call more than once.
func (n *NATSNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	return n.publisher.Close()
}

// MessageID identifies one announced state of a record: the same record at
// the same score always yields the same ID, so JetStream drops re-sends
// within its duplicate window.
func MessageID(rec *detection.Record) string {
	return fmt.Sprintf("anomaly-%d-%s", rec.ID, strconv.FormatFloat(rec.Score, 'f', -1, 64))
}

func newMessage(ctx context.Context, rec *detection.Record) (*message.Message, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal anomaly %d: %w", rec.ID, err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(natsgo.MsgIdHdr, MessageID(rec))
	msg.Metadata.Set("kind", string(rec.Kind))
	msg.Metadata.Set("asset_id", rec.AssetID)
	msg.Metadata.Set("handler_id", rec.HandlerID)
	if cid := logging.CorrelationIDFromContext(ctx); cid != "" {
		msg.Metadata.Set("correlation_id", cid)
	}
	return msg, nil
}
