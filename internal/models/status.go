// Package models defines the entities the binding engine persists and the
// result types its resolvers hand back to callers.
package models

import (
	"fmt"

	"github.com/droppoint/droppoint/internal/common"
)

// Status is the lifecycle state of a StorageAccount. Every permission the
// engine grants or denies is a pure function of this value; no component
// keeps hidden flags next to it.
type Status string

const (
	// StatusActive is a healthy account accepting uploads.
	StatusActive Status = "active"
	// StatusInactive is a paused account: existing files stay readable,
	// new uploads are blocked.
	StatusInactive Status = "inactive"
	// StatusDisconnected means the owner removed the credential. The
	// account is kept for history but is unusable until reconnected.
	StatusDisconnected Status = "disconnected"
	// StatusError means the last upstream call failed in a way that needs
	// attention, typically an expired or revoked token.
	StatusError Status = "error"
)

func (s Status) String() string { return string(s) }

// ParseStatus converts a stored string into a Status, rejecting values
// outside the closed set.
func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusActive, StatusInactive, StatusDisconnected, StatusError:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", common.ErrUnknownStatus, v)
}

// Capabilities lists what an account in a given status may do. Callers
// branch on these fields instead of comparing statuses directly, so the
// policy lives in exactly one place.
type Capabilities struct {
	CanCreateNewUploads    bool
	CanAccessExistingFiles bool
	CanManageFolders       bool
	CanBeDeleted           bool
	NeedsReauth            bool
	VisibleInUI            bool
}

var capabilityTable = map[Status]Capabilities{
	StatusActive: {
		CanCreateNewUploads:    true,
		CanAccessExistingFiles: true,
		CanManageFolders:       true,
		VisibleInUI:            true,
	},
	StatusInactive: {
		CanAccessExistingFiles: true,
		VisibleInUI:            true,
	},
	StatusDisconnected: {
		CanBeDeleted: true,
		NeedsReauth:  true,
	},
	StatusError: {
		VisibleInUI: true,
	},
}

// Capabilities returns the capability set for s. An unknown status has no
// capabilities at all.
func (s Status) Capabilities() Capabilities {
	return capabilityTable[s]
}

var allowedTransitions = map[Status][]Status{
	StatusActive:       {StatusInactive, StatusDisconnected, StatusError},
	StatusInactive:     {StatusActive, StatusDisconnected, StatusError},
	StatusDisconnected: {StatusActive, StatusError},
	StatusError:        {StatusActive, StatusInactive, StatusDisconnected},
}

// CanTransitionTo reports whether the move from s to target is in the
// allowed transition table. Note the asymmetry: DISCONNECTED can not go
// to INACTIVE, only an explicit reconnect brings it back.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range allowedTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns common.ErrInvalidTransition when the move
// from one status to another is not allowed.
func ValidateTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, from, to)
	}
	return nil
}

// StateChange describes an account status transition that has already
// been applied. The portal lifecycle manager consumes these to cascade
// the change into dependent portals.
type StateChange struct {
	AccountID string
	OwnerID   string
	From      Status
	To        Status
}
