package models

import "time"

// AuditAction names a recorded engine action.
type AuditAction string

const (
	AuditPortalDeactivated    AuditAction = "portal_deactivated"
	AuditPortalReactivated    AuditAction = "portal_reactivated"
	AuditAccountCreated       AuditAction = "account_created"
	AuditAccountStatusChanged AuditAction = "account_status_changed"
	AuditAccountDisconnected  AuditAction = "account_disconnected"
	AuditAccountReconnected   AuditAction = "account_reconnected"
	AuditAccountDeleted       AuditAction = "account_deleted"
)

// AuditEvent is one append-only trail entry. Origin distinguishes cascade
// effects from deliberate user actions; the distinction drives which
// portals a later reactivation is allowed to touch.
type AuditEvent struct {
	ID         string
	OwnerID    string
	Action     AuditAction
	ResourceID string
	Origin     ActionOrigin
	Details    string
	CreatedAt  time.Time
}
