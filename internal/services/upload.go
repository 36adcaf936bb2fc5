package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/dbx"
	"github.com/droppoint/droppoint/internal/logging"
	"github.com/droppoint/droppoint/internal/models"
	"github.com/droppoint/droppoint/internal/repositories/repomanager"
	"github.com/droppoint/droppoint/internal/transfer"
)

// TokenProvider supplies valid bearer tokens for transfer calls.
// Implemented by TokenService.
type TokenProvider interface {
	GetValidToken(ctx context.Context, ownerID string, provider models.Provider) (*models.ProviderToken, error)
}

// AccountTransitioner flips accounts into the error state when an
// upstream call fails with an auth-looking error. Implemented by
// LifecycleService.
type AccountTransitioner interface {
	MarkError(ctx context.Context, accountID, reason string) error
}

// UploadRequest describes one client-submitted file arriving at a portal.
type UploadRequest struct {
	PortalID string
	OwnerID  string
	Name     string
	Size     int64
}

// UploadGrant is the outcome of AcceptUpload. On acceptance File is the
// persisted pending record with its binding already stamped, and Target
// is where the client sends the bytes. On rejection only Decision is set.
type UploadGrant struct {
	Decision models.Decision
	File     *models.FileRecord
	Target   *transfer.UploadTarget
}

// UploadService accepts client uploads: it resolves which storage account
// a file belongs to, stamps that binding before any transfer is
// attempted, and issues the transfer target. The binding is never
// revisited afterwards.
type UploadService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	adapters    *transfer.Registry
	tokens      TokenProvider
	lifecycle   AccountTransitioner
	logger      logging.Logger
}

func NewUploadService(db *sql.DB, m repomanager.RepositoryManager, adapters *transfer.Registry, tokens TokenProvider, lifecycle AccountTransitioner, logger logging.Logger) *UploadService {
	return &UploadService{
		db:          db,
		repomanager: m,
		adapters:    adapters,
		tokens:      tokens,
		lifecycle:   lifecycle,
		logger:      logger.With("module", "upload"),
	}
}

// ResolveUploadBinding decides which storage account a new upload through
// the portal should land in. Pure: the decision is a function of the
// portal's binding, its provider, and the given account list, in that
// list's order.
//
// A bound portal never falls back: its account must exist and permit new
// uploads, otherwise the rejection names the exact obstacle. An unbound
// portal takes the first capable account of its own provider, then any
// capable account, then rejects.
func ResolveUploadBinding(portal *models.Portal, ownerAccounts []*models.StorageAccount) models.Decision {
	if portal.StorageAccountID != nil {
		account := findAccount(ownerAccounts, *portal.StorageAccountID)
		if account == nil {
			return reject(common.RejectAccountNotFound, true, rebindOrConnect(ownerAccounts))
		}
		if account.Capabilities().CanCreateNewUploads {
			return models.Accept(account.ID)
		}
		return rejectForStatus(account, ownerAccounts)
	}

	if a := firstCapable(ownerAccounts, portal.Provider); a != nil {
		return models.Accept(a.ID)
	}
	if a := firstCapable(ownerAccounts, ""); a != nil {
		return models.Accept(a.ID)
	}
	return reject(common.RejectNoAvailableAccount, true, []models.SuggestedAction{models.ActionConnectProvider})
}

// ResolveUploadAcceptance layers portal-level checks over the binding
// resolution: a deactivated portal refuses uploads before any account is
// considered.
func ResolveUploadAcceptance(portal *models.Portal, ownerAccounts []*models.StorageAccount) models.Decision {
	if !portal.IsActive {
		return reject(common.RejectPortalInactive, true, []models.SuggestedAction{models.ActionReactivatePortal})
	}
	return ResolveUploadBinding(portal, ownerAccounts)
}

// AcceptUpload runs acceptance resolution for the portal and, when
// accepted, persists the pending file with its permanent account binding
// and issues a transfer target. A rejection is a normal result, not an
// error: callers branch on Decision.Code.
func (s *UploadService) AcceptUpload(ctx context.Context, req *UploadRequest) (*UploadGrant, error) {
	portal, err := s.repomanager.Portals(s.db).GetByID(ctx, req.PortalID)
	if err != nil {
		return nil, err
	}
	if portal.OwnerID != req.OwnerID {
		return nil, common.ErrUnauthorized
	}

	accounts, err := s.repomanager.Accounts(s.db).ListByOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("error listing accounts: %w", err)
	}

	decision := ResolveUploadAcceptance(portal, accounts)
	if !decision.Accepted {
		return &UploadGrant{Decision: decision}, nil
	}
	account := findAccount(accounts, decision.StorageAccountID)

	var file *models.FileRecord
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		created, err := s.repomanager.Files(tx).Create(ctx, &models.FileRecord{
			PortalID:         portal.ID,
			OwnerID:          req.OwnerID,
			Provider:         account.Provider,
			StorageAccountID: &account.ID,
			Name:             req.Name,
			Size:             req.Size,
			Status:           models.FileStatusPending,
		})
		if err != nil {
			return fmt.Errorf("error creating file record: %w", err)
		}
		file = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	target, err := s.issueTarget(ctx, account, req.Name, req.Size)
	if err != nil {
		s.failTransfer(ctx, file.ID, account.ID, err)
		return nil, fmt.Errorf("error issuing upload target: %w", err)
	}

	return &UploadGrant{Decision: decision, File: file, Target: target}, nil
}

// CompleteUpload records a finished transfer and refreshes the bound
// account's last-accessed timestamp.
func (s *UploadService) CompleteUpload(ctx context.Context, ownerID, fileID, externalFileID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		fileRepo := s.repomanager.Files(tx)

		file, err := fileRepo.GetByID(ctx, fileID)
		if err != nil {
			return err
		}
		if file.OwnerID != ownerID {
			return common.ErrUnauthorized
		}
		if err := fileRepo.MarkUploaded(ctx, fileID, externalFileID); err != nil {
			return fmt.Errorf("error marking file uploaded: %w", err)
		}
		if file.StorageAccountID != nil {
			if err := s.repomanager.Accounts(tx).TouchLastAccessed(ctx, *file.StorageAccountID); err != nil {
				return fmt.Errorf("error refreshing last-accessed: %w", err)
			}
		}
		return nil
	})
}

// FailUpload records a failed transfer. The file keeps its binding so a
// later retry reuses the same account.
func (s *UploadService) FailUpload(ctx context.Context, ownerID, fileID string) error {
	file, err := s.repomanager.Files(s.db).GetByID(ctx, fileID)
	if err != nil {
		return err
	}
	if file.OwnerID != ownerID {
		return common.ErrUnauthorized
	}
	if err := s.repomanager.Files(s.db).MarkFailed(ctx, fileID); err != nil {
		return fmt.Errorf("error marking file failed: %w", err)
	}
	return nil
}

// RetryUpload issues a fresh transfer target for a failed file. The
// stored binding is reused as-is, never re-resolved; the bound account
// must currently permit new uploads.
func (s *UploadService) RetryUpload(ctx context.Context, ownerID, fileID string) (*UploadGrant, error) {
	file, err := s.repomanager.Files(s.db).GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, common.ErrUnauthorized
	}
	if file.Status != models.FileStatusFailed {
		return nil, fmt.Errorf("file %s is not in a failed state", fileID)
	}
	if file.StorageAccountID == nil {
		return nil, fmt.Errorf("file %s has no storage binding to retry against", fileID)
	}

	account, err := s.repomanager.Accounts(s.db).GetByID(ctx, *file.StorageAccountID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, &common.StateBlockedError{AccountID: *file.StorageAccountID, Code: common.RejectAccountNotFound}
		}
		return nil, err
	}
	if !account.Capabilities().CanCreateNewUploads {
		return nil, &common.StateBlockedError{
			AccountID: account.ID,
			Status:    string(account.Status),
			Code:      codeForStatus(account.Status),
		}
	}

	target, err := s.issueTarget(ctx, account, file.Name, file.Size)
	if err != nil {
		s.failTransfer(ctx, file.ID, account.ID, err)
		return nil, fmt.Errorf("error issuing upload target: %w", err)
	}

	return &UploadGrant{Decision: models.Accept(account.ID), File: file, Target: target}, nil
}

// --- helpers below ---

func (s *UploadService) issueTarget(ctx context.Context, account *models.StorageAccount, name string, size int64) (*transfer.UploadTarget, error) {
	adapter, err := s.adapters.Lookup(account.Provider)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.GetValidToken(ctx, account.OwnerID, account.Provider)
	if err != nil && !errors.Is(err, common.ErrNoCredential) {
		return nil, err
	}

	return adapter.Upload(ctx, token, name, size)
}

// failTransfer records a transfer failure. The file's binding is left in
// place; when the cause looks like a revoked or expired credential the
// bound account moves to the error state.
func (s *UploadService) failTransfer(ctx context.Context, fileID, accountID string, cause error) {
	if err := s.repomanager.Files(s.db).MarkFailed(ctx, fileID); err != nil {
		s.logger.Error(ctx, "marking file failed", "file_id", fileID, "error", err)
	}
	if common.IsUpstreamAuthError(cause) {
		if err := s.lifecycle.MarkError(ctx, accountID, cause.Error()); err != nil {
			s.logger.Error(ctx, "flipping account to error state", "account_id", accountID, "error", err)
		}
	}
}

func findAccount(accounts []*models.StorageAccount, id string) *models.StorageAccount {
	for _, a := range accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// firstCapable returns the first account with upload capability, filtered
// to the given provider when it is non-empty.
func firstCapable(accounts []*models.StorageAccount, provider models.Provider) *models.StorageAccount {
	for _, a := range accounts {
		if provider != "" && a.Provider != provider {
			continue
		}
		if a.Capabilities().CanCreateNewUploads {
			return a
		}
	}
	return nil
}

func hasOtherCapable(accounts []*models.StorageAccount, excludeID string) bool {
	for _, a := range accounts {
		if a.ID == excludeID {
			continue
		}
		if a.Capabilities().CanCreateNewUploads {
			return true
		}
	}
	return false
}

func rejectForStatus(account *models.StorageAccount, accounts []*models.StorageAccount) models.Decision {
	var (
		code    common.RejectionCode
		needs   bool
		actions []models.SuggestedAction
	)
	switch account.Status {
	case models.StatusDisconnected:
		code, needs = common.RejectAccountDisconnected, true
		actions = []models.SuggestedAction{models.ActionReconnectAccount}
	case models.StatusInactive:
		code, needs = common.RejectAccountInactive, true
		actions = []models.SuggestedAction{models.ActionReactivateAccount}
	default:
		// An errored account may clear on a later reconciliation pass, so
		// no user action is demanded.
		code, needs = common.RejectAccountError, false
		actions = []models.SuggestedAction{models.ActionReconnectAccount}
	}
	if hasOtherCapable(accounts, account.ID) {
		actions = append(actions, models.ActionRebindPortal)
	}
	return reject(code, needs, actions)
}

func rebindOrConnect(accounts []*models.StorageAccount) []models.SuggestedAction {
	if firstCapable(accounts, "") != nil {
		return []models.SuggestedAction{models.ActionRebindPortal}
	}
	return []models.SuggestedAction{models.ActionConnectProvider}
}

func reject(code common.RejectionCode, requiresUserAction bool, actions []models.SuggestedAction) models.Decision {
	return models.Decision{
		Code:               code,
		Reason:             code.Reason(),
		RequiresUserAction: requiresUserAction,
		SuggestedActions:   actions,
	}
}

func codeForStatus(status models.Status) common.RejectionCode {
	switch status {
	case models.StatusInactive:
		return common.RejectAccountInactive
	case models.StatusDisconnected:
		return common.RejectAccountDisconnected
	default:
		return common.RejectAccountError
	}
}
