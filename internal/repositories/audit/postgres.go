package audit

import (
	"context"
	"fmt"

	"github.com/droppoint/droppoint/internal/dbx"
	"github.com/droppoint/droppoint/internal/models"
)

const selectColumns = `id, owner_id, action, resource_id, origin, details, created_at`

// PostgresRepository implements the audit trail over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append writes one trail entry.
func (r *PostgresRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_log (owner_id, action, resource_id, origin, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		event.OwnerID, string(event.Action), event.ResourceID, string(event.Origin), event.Details).
		Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

// ListByOwner returns an owner's newest entries first.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.AuditEvent, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_log WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.list(ctx, query, ownerID, limit)
}

// ListByResource returns the newest entries touching one resource.
func (r *PostgresRepository) ListByResource(ctx context.Context, resourceID string, limit int) ([]*models.AuditEvent, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_log WHERE resource_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.list(ctx, query, resourceID, limit)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.AuditEvent
	for rows.Next() {
		var (
			event  models.AuditEvent
			action string
			origin string
		)
		if err := rows.Scan(&event.ID, &event.OwnerID, &action, &event.ResourceID, &origin, &event.Details, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Action = models.AuditAction(action)
		event.Origin = models.ActionOrigin(origin)
		result = append(result, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
