// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package services

import (
	"context"
	"fmt"
	"io"
)

// PublisherService holds the notification publisher open for the life of
// the tree and closes it on shutdown. Sends after Close fail and are logged
// by the scanner.
type PublisherService struct {
	publisher io.Closer
	name      string
}

// NewPublisherService wraps publisher, which is usually a *notify.NATSNotifier.
func NewPublisherService(name string, publisher io.Closer) *PublisherService {
	return &PublisherService{publisher: publisher, name: name}
}

// Serve implements suture.Service.
func (s *PublisherService) Serve(ctx context.Context) error {
	<-ctx.Done()

	if err := s.publisher.Close(); err != nil {
		return fmt.Errorf("%s close failed: %w", s.name, err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer.
func (s *PublisherService) String() string {
	return s.name
}
