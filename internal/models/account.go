package models

import "time"

// StorageAccount tracks one connected external storage credential and its
// health. There is at most one row per (owner, provider, external account)
// triple; the reconciliation service is the only component that creates
// them.
type StorageAccount struct {
	ID                string
	OwnerID           string
	Provider          Provider
	ExternalAccountID string
	DisplayName       string
	Email             string
	Status            Status
	LastError         string
	LastAccessedAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Capabilities is a convenience for account.Status.Capabilities().
func (a *StorageAccount) Capabilities() Capabilities {
	return a.Status.Capabilities()
}
