package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/logging"
	"github.com/droppoint/droppoint/internal/models"
	"github.com/droppoint/droppoint/internal/repositories/repomanager"
	"github.com/droppoint/droppoint/internal/transfer"
)

// DownloadService decides whether stored files may be fetched and issues
// the short-lived URLs for doing so. Eligibility is judged against the
// file's permanent binding, never against the owning portal's current
// binding.
type DownloadService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	adapters    *transfer.Registry
	tokens      TokenProvider
	lifecycle   AccountTransitioner
	logger      logging.Logger
}

func NewDownloadService(db *sql.DB, m repomanager.RepositoryManager, adapters *transfer.Registry, tokens TokenProvider, lifecycle AccountTransitioner, logger logging.Logger) *DownloadService {
	return &DownloadService{
		db:          db,
		repomanager: m,
		adapters:    adapters,
		tokens:      tokens,
		lifecycle:   lifecycle,
		logger:      logger.With("module", "download"),
	}
}

// ResolveDownloadEligibility decides whether a stored file may be
// fetched. Files without a binding predate the engine and are always
// allowed; bound files are gated on their account's access capability,
// which INACTIVE keeps even though it blocks new uploads. The account
// argument is the bound account, or nil when the binding points nowhere.
func ResolveDownloadEligibility(file *models.FileRecord, account *models.StorageAccount) models.Eligibility {
	if file.StorageAccountID == nil {
		return models.Eligibility{Allowed: true}
	}
	if account == nil {
		return models.Eligibility{
			RequiresAuth: true,
			Code:         common.RejectAccountNotFound,
			Reason:       common.RejectAccountNotFound.Reason(),
		}
	}
	if account.Capabilities().CanAccessExistingFiles {
		return models.Eligibility{Allowed: true}
	}
	code := codeForStatus(account.Status)
	return models.Eligibility{
		RequiresAuth: true,
		Code:         code,
		Reason:       code.Reason(),
	}
}

// ResolveDownload loads the file and its bound account and returns the
// eligibility decision. An allowed resolution refreshes the bound
// account's last-accessed timestamp.
func (s *DownloadService) ResolveDownload(ctx context.Context, ownerID, fileID string) (models.Eligibility, error) {
	file, account, err := s.load(ctx, ownerID, fileID)
	if err != nil {
		return models.Eligibility{}, err
	}
	elig := ResolveDownloadEligibility(file, account)
	if elig.Allowed && account != nil {
		if err := s.repomanager.Accounts(s.db).TouchLastAccessed(ctx, account.ID); err != nil {
			return models.Eligibility{}, fmt.Errorf("error refreshing last-accessed: %w", err)
		}
	}
	return elig, nil
}

// Download resolves eligibility and, when allowed, returns a short-lived
// URL for the stored object. Adapter failures that look like a revoked
// or expired credential flip the bound account to the error state.
func (s *DownloadService) Download(ctx context.Context, ownerID, fileID string) (*transfer.DownloadResult, models.Eligibility, error) {
	file, account, err := s.load(ctx, ownerID, fileID)
	if err != nil {
		return nil, models.Eligibility{}, err
	}
	elig := ResolveDownloadEligibility(file, account)
	if !elig.Allowed {
		return nil, elig, nil
	}
	if file.ExternalFileID == "" {
		return nil, elig, fmt.Errorf("file %s has no stored object", fileID)
	}

	adapter, err := s.adapters.Lookup(file.Provider)
	if err != nil {
		return nil, elig, err
	}
	token, err := s.tokens.GetValidToken(ctx, ownerID, file.Provider)
	if err != nil && !errors.Is(err, common.ErrNoCredential) {
		s.noteFailure(ctx, account, err)
		return nil, elig, err
	}

	result, err := adapter.Download(ctx, token, file.ExternalFileID)
	if err != nil {
		s.noteFailure(ctx, account, err)
		return nil, elig, fmt.Errorf("error issuing download url: %w", err)
	}

	if account != nil {
		if err := s.repomanager.Accounts(s.db).TouchLastAccessed(ctx, account.ID); err != nil {
			s.logger.Error(ctx, "refreshing last-accessed", "account_id", account.ID, "error", err)
		}
	}
	return result, elig, nil
}

// --- helpers below ---

// load fetches the file and, when bound, its account. A binding that
// points at a deleted account comes back as a nil account, which the
// eligibility rules turn into a reconnect prompt.
func (s *DownloadService) load(ctx context.Context, ownerID, fileID string) (*models.FileRecord, *models.StorageAccount, error) {
	file, err := s.repomanager.Files(s.db).GetByID(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if file.OwnerID != ownerID {
		return nil, nil, common.ErrUnauthorized
	}
	if file.StorageAccountID == nil {
		return file, nil, nil
	}

	account, err := s.repomanager.Accounts(s.db).GetByID(ctx, *file.StorageAccountID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return file, nil, nil
		}
		return nil, nil, fmt.Errorf("error loading account: %w", err)
	}
	return file, account, nil
}

func (s *DownloadService) noteFailure(ctx context.Context, account *models.StorageAccount, cause error) {
	if account == nil || !common.IsUpstreamAuthError(cause) {
		return
	}
	if err := s.lifecycle.MarkError(ctx, account.ID, cause.Error()); err != nil {
		s.logger.Error(ctx, "flipping account to error state", "account_id", account.ID, "error", err)
	}
}
