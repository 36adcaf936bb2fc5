// Package services contains the engine's business logic: upload and
// download resolution, account lifecycle with portal cascades, credential
// provisioning and reconciliation, token refresh, and integrity checks.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/droppoint/droppoint/internal/auth"
	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/cryptox"
	"github.com/droppoint/droppoint/internal/models"
	"github.com/droppoint/droppoint/internal/repositories/repomanager"
	"github.com/droppoint/droppoint/internal/transfer"
)

// TokenService hands out valid bearer tokens for owner credentials,
// refreshing near-expiry tokens through the provider adapter and
// persisting the re-sealed result.
type TokenService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	adapters    *transfer.Registry
	sealer      *cryptox.Sealer
	leeway      time.Duration
	now         func() time.Time
}

// NewTokenService constructs a TokenService. leeway is how long before
// expiry a token is already treated as expired.
func NewTokenService(db *sql.DB, m repomanager.RepositoryManager, adapters *transfer.Registry, sealer *cryptox.Sealer, leeway time.Duration) *TokenService {
	return &TokenService{
		db:          db,
		repomanager: m,
		adapters:    adapters,
		sealer:      sealer,
		leeway:      leeway,
		now:         time.Now,
	}
}

// GetValidToken returns a usable token for the owner's most recent
// credential of the given provider. Returns common.ErrNoCredential when
// the owner has none, and a common.UpstreamAuthError when the credential
// is expired beyond repair.
func (s *TokenService) GetValidToken(ctx context.Context, ownerID string, provider models.Provider) (*models.ProviderToken, error) {
	repo := s.repomanager.Credentials(s.db)

	cred, err := repo.GetLatestByProvider(ctx, ownerID, provider)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrNoCredential
		}
		return nil, fmt.Errorf("error loading credential: %w", err)
	}

	return s.TokenForCredential(ctx, cred)
}

// TokenForCredential unseals the credential's access token, refreshing it
// first when it is within the leeway window of its expiry.
func (s *TokenService) TokenForCredential(ctx context.Context, cred *models.ExternalCredential) (*models.ProviderToken, error) {
	access := ""
	if len(cred.AccessToken) > 0 {
		plain, err := s.sealer.Open(cred.AccessToken, cred.AccessNonce)
		if err != nil {
			return nil, fmt.Errorf("unsealing access token: %w", err)
		}
		access = string(plain)
	}

	expiry := s.effectiveExpiry(cred, access)

	if access != "" && (expiry.IsZero() || s.now().Add(s.leeway).Before(expiry)) {
		return &models.ProviderToken{
			Provider:          cred.Provider,
			ExternalAccountID: cred.ExternalAccountID,
			AccessToken:       access,
			ExpiresAt:         expiry,
		}, nil
	}

	return s.refresh(ctx, cred)
}

// effectiveExpiry prefers the exp claim inside the token itself over the
// stored column; providers occasionally issue tokens shorter-lived than
// they report.
func (s *TokenService) effectiveExpiry(cred *models.ExternalCredential, access string) time.Time {
	if access != "" {
		if exp, ok := auth.TokenExpiry(access); ok {
			return exp
		}
	}
	if cred.ExpiresAt != nil {
		return *cred.ExpiresAt
	}
	return time.Time{}
}

func (s *TokenService) refresh(ctx context.Context, cred *models.ExternalCredential) (*models.ProviderToken, error) {
	if len(cred.RefreshToken) == 0 {
		return nil, &common.UpstreamAuthError{Provider: string(cred.Provider), Err: common.ErrTokenExpired}
	}

	refreshPlain, err := s.sealer.Open(cred.RefreshToken, cred.RefreshNonce)
	if err != nil {
		return nil, fmt.Errorf("unsealing refresh token: %w", err)
	}

	adapter, err := s.adapters.Lookup(cred.Provider)
	if err != nil {
		return nil, err
	}

	refreshed, err := adapter.RefreshToken(ctx, string(refreshPlain))
	if err != nil {
		if common.IsUpstreamAuthError(err) || errors.Is(err, transfer.ErrRefreshUnsupported) {
			return nil, &common.UpstreamAuthError{Provider: string(cred.Provider), Err: err}
		}
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	if err := s.persistRefreshed(ctx, cred, refreshed); err != nil {
		return nil, err
	}

	return &models.ProviderToken{
		Provider:          cred.Provider,
		ExternalAccountID: cred.ExternalAccountID,
		AccessToken:       refreshed.AccessToken,
		ExpiresAt:         refreshed.ExpiresAt,
	}, nil
}

func (s *TokenService) persistRefreshed(ctx context.Context, cred *models.ExternalCredential, refreshed *transfer.RefreshedToken) error {
	access, accessNonce, err := s.sealer.Seal([]byte(refreshed.AccessToken))
	if err != nil {
		return err
	}

	// Providers that do not rotate refresh tokens return an empty one;
	// the stored token stays valid in that case.
	refreshSealed, refreshNonce := cred.RefreshToken, cred.RefreshNonce
	if refreshed.RefreshToken != "" {
		refreshSealed, refreshNonce, err = s.sealer.Seal([]byte(refreshed.RefreshToken))
		if err != nil {
			return err
		}
	}

	var expires *time.Time
	if !refreshed.ExpiresAt.IsZero() {
		t := refreshed.ExpiresAt
		expires = &t
	}

	repo := s.repomanager.Credentials(s.db)
	if err := repo.UpdateTokens(ctx, cred.ID, access, accessNonce, refreshSealed, refreshNonce, expires); err != nil {
		return fmt.Errorf("error persisting refreshed token: %w", err)
	}
	return nil
}
