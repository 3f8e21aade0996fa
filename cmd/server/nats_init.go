// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package main

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/tomtom215/custodywatch/internal/config"
	"github.com/tomtom215/custodywatch/internal/detection"
	"github.com/tomtom215/custodywatch/internal/logging"
	"github.com/tomtom215/custodywatch/internal/notify"
	"github.com/tomtom215/custodywatch/internal/supervisor"
	"github.com/tomtom215/custodywatch/internal/supervisor/services"
)

// initNotifications registers the NATS notifier with the scanner when
// NATS_ENABLED is set. The publisher is owned by the messaging layer.
func initNotifications(cfg *config.Config, scanner *detection.Scanner, tree *supervisor.SupervisorTree) error {
	if !cfg.NATS.Enabled {
		logging.Info().Msg("Anomaly notifications disabled (NATS_ENABLED=false)")
		return nil
	}

	publisher, err := notify.NewNATSPublisher(&cfg.NATS, watermill.NewSlogLogger(logging.NewSlogLogger()))
	if err != nil {
		return fmt.Errorf("connect nats publisher: %w", err)
	}

	notifier := notify.NewNATSNotifier(&cfg.NATS, publisher)
	scanner.RegisterNotifier(notifier)
	tree.AddMessagingService(services.NewPublisherService("nats-publisher", notifier))

	logging.Info().
		Str("url", cfg.NATS.URL).
		Str("subject", notifier.Subject()).
		Msg("Anomaly notifications enabled")
	return nil
}
