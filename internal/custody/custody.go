// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

// Package custody defines the custody records the anomaly scan reads: the
// append-only log of custody actions and the current assignment state, plus
// the read interfaces that storage backends implement.
//
// Identifiers are opaque strings. An empty HandlerID means the event was
// recorded without a handler (for example a return booked by the armory).
package custody

import (
	"context"
	"time"
)

// Action is a custody action recorded in the log.
type Action string

const (
	ActionAssigned    Action = "ASSIGNED"
	ActionReturned    Action = "RETURNED"
	ActionTransferred Action = "TRANSFERRED"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAssigned, ActionReturned, ActionTransferred:
		return true
	}
	return false
}

// Type is the kind of custody an assignment grants.
type Type string

const (
	TypePermanent Type = "PERMANENT"
	TypeTemporary Type = "TEMPORARY"
	TypePersonal  Type = "PERSONAL"
)

// Valid reports whether t is one of the known custody types.
func (t Type) Valid() bool {
	switch t {
	case TypePermanent, TypeTemporary, TypePersonal:
		return true
	}
	return false
}

// Event is one entry in the custody log.
type Event struct {
	ID          string    `json:"id"`
	AssetID     string    `json:"asset_id"`
	HandlerID   string    `json:"handler_id,omitempty"`
	Action      Action    `json:"action"`
	CustodyType Type      `json:"custody_type,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	// Owning units, when the source knows them.
	AssetUnitID   string `json:"asset_unit_id,omitempty"`
	HandlerUnitID string `json:"handler_unit_id,omitempty"`

	// Display labels joined in by the source; used only in explanations.
	AssetLabel   string `json:"asset_label,omitempty"`   // serial number
	HandlerLabel string `json:"handler_label,omitempty"` // badge number
	HandlerName  string `json:"handler_name,omitempty"`
}

// HasHandler reports whether the event names a handler.
func (e *Event) HasHandler() bool {
	return e.HandlerID != ""
}

// Assignment is the current custody state of an asset.
type Assignment struct {
	ID             string     `json:"id"`
	AssetID        string     `json:"asset_id"`
	HandlerID      string     `json:"handler_id"`
	CustodyType    Type       `json:"custody_type"`
	IsActive       bool       `json:"is_active"`
	AssignedAt     time.Time  `json:"assigned_at"`
	ExpectedReturn *time.Time `json:"expected_return,omitempty"`

	AssetLabel   string `json:"asset_label,omitempty"`
	HandlerLabel string `json:"handler_label,omitempty"`
	HandlerName  string `json:"handler_name,omitempty"`
}

// IsOverdue reports whether the assignment is active temporary custody whose
// expected return lies strictly before now.
func (a *Assignment) IsOverdue(now time.Time) bool {
	return a.IsActive &&
		a.CustodyType == TypeTemporary &&
		a.ExpectedReturn != nil &&
		a.ExpectedReturn.Before(now)
}

// EventSource reads the custody log.
type EventSource interface {
	// EventsSince returns every event with Timestamp >= since, ordered by
	// timestamp ascending.
	EventsSince(ctx context.Context, since time.Time) ([]Event, error)
}

// AssignmentSource reads current assignment state.
type AssignmentSource interface {
	// OverdueAssignments returns active TEMPORARY assignments whose expected
	// return is before now.
	OverdueAssignments(ctx context.Context, now time.Time) ([]Assignment, error)
}

// Source is a backend that serves both reads.
type Source interface {
	EventSource
	AssignmentSource
}
