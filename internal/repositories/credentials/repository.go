package credentials

import (
	"context"
	"time"

	"github.com/droppoint/droppoint/internal/models"
)

// Repository is the persistence contract for external credentials. The
// engine reads them during provisioning and token refresh; Upsert exists
// for the connect flow that lands a fresh token pair.
type Repository interface {
	Upsert(ctx context.Context, cred *models.ExternalCredential) (*models.ExternalCredential, error)
	GetByUniqueKey(ctx context.Context, ownerID string, provider models.Provider, externalAccountID string) (*models.ExternalCredential, error)
	GetLatestByProvider(ctx context.Context, ownerID string, provider models.Provider) (*models.ExternalCredential, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.ExternalCredential, error)
	ListOwners(ctx context.Context) ([]string, error)
	UpdateTokens(ctx context.Context, id string, access, accessNonce, refresh, refreshNonce []byte, expiresAt *time.Time) error
	Delete(ctx context.Context, id string) error
}
