package accounts

import (
	"context"

	"github.com/droppoint/droppoint/internal/models"
)

// Repository is the persistence contract for storage accounts. There is
// deliberately no free-form update: status moves through UpdateStatus so
// every change passes transition validation first.
type Repository interface {
	Create(ctx context.Context, account *models.StorageAccount) (*models.StorageAccount, error)
	GetByID(ctx context.Context, id string) (*models.StorageAccount, error)
	GetByIDForUpdate(ctx context.Context, id string) (*models.StorageAccount, error)
	GetByUniqueKey(ctx context.Context, ownerID string, provider models.Provider, externalAccountID string) (*models.StorageAccount, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.StorageAccount, error)
	ListOwners(ctx context.Context) ([]string, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, lastError string) error
	TouchLastAccessed(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}
