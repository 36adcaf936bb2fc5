package portals

import (
	"context"

	"github.com/droppoint/droppoint/internal/models"
)

// Repository is the persistence contract for portals. The two batch
// operations return the ids they touched so the caller can write one
// audit entry per portal.
type Repository interface {
	Create(ctx context.Context, portal *models.Portal) (*models.Portal, error)
	GetByID(ctx context.Context, id string) (*models.Portal, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Portal, error)
	UpdateBinding(ctx context.Context, id string, accountID *string) error
	Deactivate(ctx context.Context, id string, origin models.ActionOrigin) error
	Activate(ctx context.Context, id string) error
	DeactivateByAccount(ctx context.Context, accountID string, origin models.ActionOrigin) ([]string, error)
	ReactivateAutoDeactivated(ctx context.Context, accountID string) ([]string, error)
}
