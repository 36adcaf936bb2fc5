package files

import (
	"context"

	"github.com/droppoint/droppoint/internal/models"
)

// Repository is the persistence contract for file records. The account
// binding is written once at Create and the interface offers no way to
// change it afterwards; later status updates leave it alone.
type Repository interface {
	Create(ctx context.Context, file *models.FileRecord) (*models.FileRecord, error)
	GetByID(ctx context.Context, id string) (*models.FileRecord, error)
	ListByPortal(ctx context.Context, portalID string) ([]*models.FileRecord, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.FileRecord, error)
	MarkUploaded(ctx context.Context, id string, externalFileID string) error
	MarkFailed(ctx context.Context, id string) error
}
