package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/dbx"
	"github.com/droppoint/droppoint/internal/models"
)

const selectColumns = `id, portal_id, owner_id, provider, storage_account_id, external_file_id, name, size, status, created_at, updated_at`

// PostgresRepository implements file record persistence over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a file record with its account binding already stamped.
func (r *PostgresRepository) Create(ctx context.Context, file *models.FileRecord) (*models.FileRecord, error) {
	query := `
		INSERT INTO file_records (portal_id, owner_id, provider, storage_account_id, name, size, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		file.PortalID, file.OwnerID, string(file.Provider), file.StorageAccountID,
		file.Name, file.Size, string(file.Status)).
		Scan(&file.ID, &file.CreatedAt, &file.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return file, nil
}

// GetByID returns the file record with the given id or common.ErrNotFound.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.FileRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM file_records WHERE id = $1`

	file, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return file, nil
}

// ListByPortal returns all files submitted through a portal.
func (r *PostgresRepository) ListByPortal(ctx context.Context, portalID string) ([]*models.FileRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM file_records WHERE portal_id = $1 ORDER BY created_at`
	return r.list(ctx, query, portalID)
}

// ListByOwner returns all of an owner's files across portals.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.FileRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM file_records WHERE owner_id = $1 ORDER BY created_at`
	return r.list(ctx, query, ownerID)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.FileRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.FileRecord
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, file)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkUploaded finalizes a completed transfer with the provider-side file
// id. The binding column is not part of the update.
func (r *PostgresRepository) MarkUploaded(ctx context.Context, id string, externalFileID string) error {
	query := `UPDATE file_records SET status = 'uploaded', external_file_id = $2, updated_at = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, externalFileID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(result)
}

// MarkFailed records a failed transfer. The binding stays so a retry can
// reuse it.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id string) error {
	query := `UPDATE file_records SET status = 'failed', updated_at = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(result)
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

func scanFile(row rowScanner) (*models.FileRecord, error) {
	var (
		file      models.FileRecord
		provider  string
		accountID sql.NullString
		status    string
	)

	err := row.Scan(&file.ID, &file.PortalID, &file.OwnerID, &provider, &accountID,
		&file.ExternalFileID, &file.Name, &file.Size, &status, &file.CreatedAt, &file.UpdatedAt)
	if err != nil {
		return nil, err
	}

	file.Provider = models.Provider(provider)
	file.Status = models.FileStatus(status)
	if accountID.Valid {
		s := accountID.String
		file.StorageAccountID = &s
	}

	return &file, nil
}
