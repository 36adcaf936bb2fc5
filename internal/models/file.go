package models

import "time"

// FileStatus tracks a file through its transfer to cloud storage.
type FileStatus string

const (
	FileStatusPending  FileStatus = "pending"
	FileStatusUploaded FileStatus = "uploaded"
	FileStatusFailed   FileStatus = "failed"
)

// FileRecord is one client-submitted file. StorageAccountID is stamped
// before any transfer is attempted and never changes afterwards, even
// when the owning portal is later rebound. A nil binding only occurs on
// rows that predate the engine; such legacy files stay downloadable
// regardless of any account's state.
type FileRecord struct {
	ID               string
	PortalID         string
	OwnerID          string
	Provider         Provider
	StorageAccountID *string
	// ExternalFileID is the id or path of the object in the provider,
	// set once the upload completes.
	ExternalFileID string
	Name           string
	Size           int64
	Status         FileStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
