package models

import "time"

// ActionOrigin tags who caused a portal activation change. The lifecycle
// manager only reverses its own automatic deactivations; a portal a human
// switched off stays off.
type ActionOrigin string

const (
	OriginAutomatic ActionOrigin = "automatic"
	OriginManual    ActionOrigin = "manual"
)

// Portal is a client-facing collection point for uploads. Its account
// binding is mutable: rebinding affects future uploads only, files keep
// the account they were written under.
type Portal struct {
	ID      string
	OwnerID string
	Name    string
	// Provider is the storage kind the portal was configured for. Upload
	// resolution prefers accounts of this provider before falling back.
	Provider         Provider
	StorageAccountID *string
	IsActive         bool
	// DeactivationOrigin records who deactivated the portal. Empty while
	// the portal is active.
	DeactivationOrigin ActionOrigin
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
