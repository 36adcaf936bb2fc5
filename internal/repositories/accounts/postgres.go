package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/dbx"
	"github.com/droppoint/droppoint/internal/models"
)

const selectColumns = `id, owner_id, provider, external_account_id, display_name, email, status, last_error, last_accessed_at, created_at, updated_at`

// PostgresRepository implements storage account persistence over a
// dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new account row. A violation of the unique
// (owner, provider, external account) key is returned as
// common.ErrAlreadyExists so racing provisioners can treat it as
// "already exists" rather than a failure.
func (r *PostgresRepository) Create(ctx context.Context, account *models.StorageAccount) (*models.StorageAccount, error) {
	query := `
		INSERT INTO storage_accounts (owner_id, provider, external_account_id, display_name, email, status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		account.OwnerID, string(account.Provider), account.ExternalAccountID,
		account.DisplayName, account.Email, string(account.Status), account.LastError).
		Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, common.ErrAlreadyExists
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}

// GetByID returns the account with the given id or common.ErrNotFound.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.StorageAccount, error) {
	query := `SELECT ` + selectColumns + ` FROM storage_accounts WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByIDForUpdate is GetByID with a row lock. Callers run it inside a
// transaction so concurrent state transitions serialize per account.
func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.StorageAccount, error) {
	query := `SELECT ` + selectColumns + ` FROM storage_accounts WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

// GetByUniqueKey returns the account for the (owner, provider, external
// account) triple or common.ErrNotFound.
func (r *PostgresRepository) GetByUniqueKey(ctx context.Context, ownerID string, provider models.Provider, externalAccountID string) (*models.StorageAccount, error) {
	query := `SELECT ` + selectColumns + ` FROM storage_accounts WHERE owner_id = $1 AND provider = $2 AND external_account_id = $3`
	return r.getOne(ctx, query, ownerID, string(provider), externalAccountID)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*models.StorageAccount, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return account, nil
}

// ListByOwner returns all of an owner's accounts ordered by creation time.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.StorageAccount, error) {
	query := `SELECT ` + selectColumns + ` FROM storage_accounts WHERE owner_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.StorageAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListOwners returns the distinct owner ids that have at least one
// account, ordered for deterministic sweeps.
func (r *PostgresRepository) ListOwners(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT owner_id FROM storage_accounts ORDER BY owner_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		result = append(result, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateStatus sets the account status and last error message. Exactly
// one row must be affected.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status models.Status, lastError string) error {
	query := `UPDATE storage_accounts SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, string(status), lastError)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(result)
}

// TouchLastAccessed refreshes the last-accessed timestamp.
func (r *PostgresRepository) TouchLastAccessed(ctx context.Context, id string) error {
	query := `UPDATE storage_accounts SET last_accessed_at = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(result)
}

// Delete removes the account row. Capability checks happen in the
// service layer before this is called.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM storage_accounts WHERE id = $1`

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

func scanAccount(row rowScanner) (*models.StorageAccount, error) {
	var (
		account      models.StorageAccount
		provider     string
		status       string
		lastAccessed sql.NullTime
	)

	err := row.Scan(&account.ID, &account.OwnerID, &provider, &account.ExternalAccountID,
		&account.DisplayName, &account.Email, &status, &account.LastError,
		&lastAccessed, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}

	account.Provider = models.Provider(provider)
	parsed, err := models.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	account.Status = parsed
	if lastAccessed.Valid {
		t := lastAccessed.Time
		account.LastAccessedAt = &t
	}

	return &account, nil
}
