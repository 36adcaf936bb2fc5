package portals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/dbx"
	"github.com/droppoint/droppoint/internal/models"
)

const selectColumns = `id, owner_id, name, provider, storage_account_id, is_active, deactivation_origin, created_at, updated_at`

// PostgresRepository implements portal persistence over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new portal row.
func (r *PostgresRepository) Create(ctx context.Context, portal *models.Portal) (*models.Portal, error) {
	query := `
		INSERT INTO portals (owner_id, name, provider, storage_account_id, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		portal.OwnerID, portal.Name, string(portal.Provider), portal.StorageAccountID, portal.IsActive).
		Scan(&portal.ID, &portal.CreatedAt, &portal.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return portal, nil
}

// GetByID returns the portal with the given id or common.ErrNotFound.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Portal, error) {
	query := `SELECT ` + selectColumns + ` FROM portals WHERE id = $1`

	portal, err := scanPortal(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return portal, nil
}

// ListByOwner returns all of an owner's portals ordered by creation time.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.Portal, error) {
	query := `SELECT ` + selectColumns + ` FROM portals WHERE owner_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Portal
	for rows.Next() {
		portal, err := scanPortal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, portal)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateBinding points the portal at a different account, or unbinds it
// when accountID is nil. Files uploaded under the old binding keep it.
func (r *PostgresRepository) UpdateBinding(ctx context.Context, id string, accountID *string) error {
	query := `UPDATE portals SET storage_account_id = $2, updated_at = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, accountID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(result)
}

// Deactivate switches the portal off and records who did it. Overwriting
// an automatic origin with a manual one is intentional: once a human
// switches a portal off it stays off until a human switches it back.
func (r *PostgresRepository) Deactivate(ctx context.Context, id string, origin models.ActionOrigin) error {
	query := `UPDATE portals SET is_active = FALSE, deactivation_origin = $2, updated_at = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, string(origin))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(result)
}

// Activate switches the portal on and clears the deactivation origin.
func (r *PostgresRepository) Activate(ctx context.Context, id string) error {
	query := `UPDATE portals SET is_active = TRUE, deactivation_origin = NULL, updated_at = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(result)
}

// DeactivateByAccount switches off every currently-active portal bound to
// the account in one statement and returns their ids. Already-inactive
// portals are untouched.
func (r *PostgresRepository) DeactivateByAccount(ctx context.Context, accountID string, origin models.ActionOrigin) ([]string, error) {
	query := `
		UPDATE portals SET is_active = FALSE, deactivation_origin = $2, updated_at = now()
		WHERE storage_account_id = $1 AND is_active = TRUE
		RETURNING id
	`
	return r.updateReturningIDs(ctx, query, accountID, string(origin))
}

// ReactivateAutoDeactivated switches back on only the portals this engine
// deactivated automatically. Manually-deactivated portals bound to the
// same account stay off.
func (r *PostgresRepository) ReactivateAutoDeactivated(ctx context.Context, accountID string) ([]string, error) {
	query := `
		UPDATE portals SET is_active = TRUE, deactivation_origin = NULL, updated_at = now()
		WHERE storage_account_id = $1 AND is_active = FALSE AND deactivation_origin = $2
		RETURNING id
	`
	return r.updateReturningIDs(ctx, query, accountID, string(models.OriginAutomatic))
}

func (r *PostgresRepository) updateReturningIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPortal(row rowScanner) (*models.Portal, error) {
	var (
		portal    models.Portal
		provider  string
		accountID sql.NullString
		origin    sql.NullString
	)

	err := row.Scan(&portal.ID, &portal.OwnerID, &portal.Name, &provider,
		&accountID, &portal.IsActive, &origin, &portal.CreatedAt, &portal.UpdatedAt)
	if err != nil {
		return nil, err
	}

	portal.Provider = models.Provider(provider)
	if accountID.Valid {
		s := accountID.String
		portal.StorageAccountID = &s
	}
	if origin.Valid {
		portal.DeactivationOrigin = models.ActionOrigin(origin.String)
	}

	return &portal, nil
}
