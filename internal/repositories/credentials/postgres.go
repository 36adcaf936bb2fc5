package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/dbx"
	"github.com/droppoint/droppoint/internal/models"
)

const selectColumns = `id, owner_id, provider, external_account_id, email, access_token, access_nonce, refresh_token, refresh_nonce, id_token, expires_at, created_at, updated_at`

// PostgresRepository implements credential persistence over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert inserts the credential or, when the (owner, provider, external
// account) key already exists, replaces its token material.
func (r *PostgresRepository) Upsert(ctx context.Context, cred *models.ExternalCredential) (*models.ExternalCredential, error) {
	query := `
		INSERT INTO external_credentials (owner_id, provider, external_account_id, email, access_token, access_nonce, refresh_token, refresh_nonce, id_token, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner_id, provider, external_account_id)
		DO UPDATE SET
			email = EXCLUDED.email,
			access_token = EXCLUDED.access_token,
			access_nonce = EXCLUDED.access_nonce,
			refresh_token = EXCLUDED.refresh_token,
			refresh_nonce = EXCLUDED.refresh_nonce,
			id_token = EXCLUDED.id_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		cred.OwnerID, string(cred.Provider), cred.ExternalAccountID, cred.Email,
		cred.AccessToken, cred.AccessNonce, cred.RefreshToken, cred.RefreshNonce,
		cred.IDToken, cred.ExpiresAt).
		Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return cred, nil
}

// GetByUniqueKey returns the credential for the triple or common.ErrNotFound.
func (r *PostgresRepository) GetByUniqueKey(ctx context.Context, ownerID string, provider models.Provider, externalAccountID string) (*models.ExternalCredential, error) {
	query := `SELECT ` + selectColumns + ` FROM external_credentials WHERE owner_id = $1 AND provider = $2 AND external_account_id = $3`
	return r.getOne(ctx, query, ownerID, string(provider), externalAccountID)
}

// GetLatestByProvider returns the owner's most recently refreshed
// credential for a provider.
func (r *PostgresRepository) GetLatestByProvider(ctx context.Context, ownerID string, provider models.Provider) (*models.ExternalCredential, error) {
	query := `SELECT ` + selectColumns + ` FROM external_credentials WHERE owner_id = $1 AND provider = $2 ORDER BY updated_at DESC LIMIT 1`
	return r.getOne(ctx, query, ownerID, string(provider))
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*models.ExternalCredential, error) {
	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return cred, nil
}

// ListByOwner returns all of an owner's credentials ordered by creation
// time, matching the order reconciliation processes them in.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.ExternalCredential, error) {
	query := `SELECT ` + selectColumns + ` FROM external_credentials WHERE owner_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.ExternalCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListOwners returns the distinct owner ids holding credentials, ordered
// for deterministic sweeps.
func (r *PostgresRepository) ListOwners(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT owner_id FROM external_credentials ORDER BY owner_id`

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

// UpdateTokens persists a refreshed token pair.
func (r *PostgresRepository) UpdateTokens(ctx context.Context, id string, access, accessNonce, refresh, refreshNonce []byte, expiresAt *time.Time) error {
	query := `
		UPDATE external_credentials
		SET access_token = $2, access_nonce = $3, refresh_token = $4, refresh_nonce = $5, expires_at = $6, updated_at = now()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, access, accessNonce, refresh, refreshNonce, expiresAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(result)
}

// Delete removes the credential row.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM external_credentials WHERE id = $1`

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

func scanCredential(row rowScanner) (*models.ExternalCredential, error) {
	var (
		cred     models.ExternalCredential
		provider string
		expires  sql.NullTime
	)

	err := row.Scan(&cred.ID, &cred.OwnerID, &provider, &cred.ExternalAccountID, &cred.Email,
		&cred.AccessToken, &cred.AccessNonce, &cred.RefreshToken, &cred.RefreshNonce,
		&cred.IDToken, &expires, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}

	cred.Provider = models.Provider(provider)
	if expires.Valid {
		t := expires.Time
		cred.ExpiresAt = &t
	}

	return &cred, nil
}
