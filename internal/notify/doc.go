// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

/*
Package notify publishes persisted custody anomalies to NATS.

NATSNotifier implements detection.Notifier. The scanner hands it every record
that was inserted or updated by a scan; each one is serialized to JSON and
published through a Watermill publisher on the configured subject
(custody.anomaly.detected by default).

# Resilience

Publishing goes through a gobreaker circuit breaker. After
nats.circuit_breaker_failures consecutive failures the breaker opens and
further sends fail fast with gobreaker.ErrOpenState until
nats.circuit_breaker_timeout elapses. Breaker state is exported as the
custodywatch_circuit_breaker_state gauge.

A failed publish is returned to the scanner, which logs it. Notifications
never fail a scan.

# Message Format

	UUID:      random, also sent as Nats-Msg-Id
	Metadata:  kind, asset_id, handler_id, correlation_id
	Payload:   detection.Record as JSON

# Testing

Any message.Publisher can be injected with NewNATSNotifier, so tests use
Watermill's in-process gochannel pub/sub instead of a NATS server.
*/
package notify
