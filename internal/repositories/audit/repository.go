package audit

import (
	"context"

	"github.com/droppoint/droppoint/internal/models"
)

// Repository is the append-only audit trail. Entries are never updated
// or deleted.
type Repository interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.AuditEvent, error)
	ListByResource(ctx context.Context, resourceID string, limit int) ([]*models.AuditEvent, error)
}
