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

// CreatePortalRequest configures a new upload portal. AccountID may name
// an explicit binding; when empty the binding is resolved from the
// owner's accounts of the chosen provider.
type CreatePortalRequest struct {
	OwnerID   string
	Name      string
	Provider  models.Provider
	AccountID string
}

// PortalService manages upload portals: creation with its strict
// validation, owner-checked rebinding, and the manual activation switch
// whose origin tag keeps deliberately-deactivated portals off during
// automatic recovery.
type PortalService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	adapters    *transfer.Registry
	tokens      TokenProvider
	lifecycle   AccountTransitioner
	logger      logging.Logger
}

func NewPortalService(db *sql.DB, m repomanager.RepositoryManager, adapters *transfer.Registry, tokens TokenProvider, lifecycle AccountTransitioner, logger logging.Logger) *PortalService {
	return &PortalService{
		db:          db,
		repomanager: m,
		adapters:    adapters,
		tokens:      tokens,
		lifecycle:   lifecycle,
		logger:      logger.With("module", "portal"),
	}
}

// ResolvePortalCreation is the stricter creation-time variant of upload
// resolution: a new portal requires a capable account of the chosen
// provider, with no cross-provider fallback. Fallback is for keeping an
// existing portal alive; a new portal must be configured correctly up
// front.
func ResolvePortalCreation(provider models.Provider, ownerAccounts []*models.StorageAccount) models.Decision {
	if a := firstCapable(ownerAccounts, provider); a != nil {
		return models.Accept(a.ID)
	}
	return reject(common.RejectNoAccountForProvider, true, []models.SuggestedAction{models.ActionConnectProvider})
}

// CreatePortal validates the request and persists the portal bound to
// the chosen or resolved account. A rejection is a normal result carried
// in the Decision, not an error.
func (s *PortalService) CreatePortal(ctx context.Context, req *CreatePortalRequest) (*models.Portal, models.Decision, error) {
	accounts, err := s.repomanager.Accounts(s.db).ListByOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, models.Decision{}, fmt.Errorf("error listing accounts: %w", err)
	}

	var decision models.Decision
	if req.AccountID != "" {
		account := findAccount(accounts, req.AccountID)
		if account == nil {
			return nil, reject(common.RejectAccountNotFound, true, []models.SuggestedAction{models.ActionConnectProvider}), nil
		}
		if account.Provider != req.Provider {
			return nil, models.Decision{}, fmt.Errorf("account %s is a %s account, portal wants %s", account.ID, account.Provider, req.Provider)
		}
		if !account.Capabilities().CanCreateNewUploads {
			return nil, rejectForStatus(account, accounts), nil
		}
		decision = models.Accept(account.ID)
	} else {
		decision = ResolvePortalCreation(req.Provider, accounts)
		if !decision.Accepted {
			return nil, decision, nil
		}
	}

	var portal *models.Portal
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		accountID := decision.StorageAccountID
		created, err := s.repomanager.Portals(tx).Create(ctx, &models.Portal{
			OwnerID:          req.OwnerID,
			Name:             req.Name,
			Provider:         req.Provider,
			StorageAccountID: &accountID,
			IsActive:         true,
		})
		if err != nil {
			return fmt.Errorf("error creating portal: %w", err)
		}
		portal = created
		return nil
	})
	if err != nil {
		return nil, models.Decision{}, err
	}
	return portal, decision, nil
}

// Rebind points the portal at a different account of the same owner and
// provider. Only future uploads are affected; files already written keep
// the account they were stamped with.
func (s *PortalService) Rebind(ctx context.Context, ownerID, portalID, accountID string) (*models.Portal, error) {
	var portal *models.Portal
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		portalRepo := s.repomanager.Portals(tx)

		p, err := portalRepo.GetByID(ctx, portalID)
		if err != nil {
			return err
		}
		if p.OwnerID != ownerID {
			return common.ErrUnauthorized
		}

		account, err := s.repomanager.Accounts(tx).GetByID(ctx, accountID)
		if err != nil {
			return err
		}
		if account.OwnerID != ownerID {
			return common.ErrUnauthorized
		}
		if account.Provider != p.Provider {
			return fmt.Errorf("account %s is a %s account, portal %s wants %s", account.ID, account.Provider, p.ID, p.Provider)
		}

		if err := portalRepo.UpdateBinding(ctx, portalID, &accountID); err != nil {
			return fmt.Errorf("error updating binding: %w", err)
		}
		p.StorageAccountID = &accountID
		portal = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return portal, nil
}

// Unbind clears the portal's explicit binding; future uploads fall back
// to provider-based resolution.
func (s *PortalService) Unbind(ctx context.Context, ownerID, portalID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		portalRepo := s.repomanager.Portals(tx)

		p, err := portalRepo.GetByID(ctx, portalID)
		if err != nil {
			return err
		}
		if p.OwnerID != ownerID {
			return common.ErrUnauthorized
		}
		if err := portalRepo.UpdateBinding(ctx, portalID, nil); err != nil {
			return fmt.Errorf("error updating binding: %w", err)
		}
		return nil
	})
}

// Deactivate switches a portal off on the owner's request. The manual
// origin is recorded, and overrides a previous automatic one, so the
// portal stays off when its account later recovers.
func (s *PortalService) Deactivate(ctx context.Context, ownerID, portalID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		portalRepo := s.repomanager.Portals(tx)

		p, err := portalRepo.GetByID(ctx, portalID)
		if err != nil {
			return err
		}
		if p.OwnerID != ownerID {
			return common.ErrUnauthorized
		}
		if !p.IsActive && p.DeactivationOrigin == models.OriginManual {
			return nil
		}
		if err := portalRepo.Deactivate(ctx, portalID, models.OriginManual); err != nil {
			return fmt.Errorf("error deactivating portal: %w", err)
		}

		details := "deactivated by owner"
		if !p.IsActive {
			details = "deactivation origin changed to manual"
		}
		err = s.repomanager.Audit(tx).Append(ctx, &models.AuditEvent{
			OwnerID:    p.OwnerID,
			Action:     models.AuditPortalDeactivated,
			ResourceID: portalID,
			Origin:     models.OriginManual,
			Details:    details,
		})
		if err != nil {
			return fmt.Errorf("error appending audit event: %w", err)
		}
		return nil
	})
}

// Activate switches a portal back on. Uploads may still be rejected
// afterwards if the bound account is unhealthy; resolution is the gate.
func (s *PortalService) Activate(ctx context.Context, ownerID, portalID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		portalRepo := s.repomanager.Portals(tx)

		p, err := portalRepo.GetByID(ctx, portalID)
		if err != nil {
			return err
		}
		if p.OwnerID != ownerID {
			return common.ErrUnauthorized
		}
		if p.IsActive {
			return nil
		}
		if err := portalRepo.Activate(ctx, portalID); err != nil {
			return fmt.Errorf("error activating portal: %w", err)
		}

		err = s.repomanager.Audit(tx).Append(ctx, &models.AuditEvent{
			OwnerID:    p.OwnerID,
			Action:     models.AuditPortalReactivated,
			ResourceID: portalID,
			Origin:     models.OriginManual,
			Details:    "reactivated by owner",
		})
		if err != nil {
			return fmt.Errorf("error appending audit event: %w", err)
		}
		return nil
	})
}

// ListPortals returns the owner's portals.
func (s *PortalService) ListPortals(ctx context.Context, ownerID string) ([]*models.Portal, error) {
	portals, err := s.repomanager.Portals(s.db).ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("error listing portals: %w", err)
	}
	return portals, nil
}

// GetPortal returns one portal after an ownership check.
func (s *PortalService) GetPortal(ctx context.Context, ownerID, portalID string) (*models.Portal, error) {
	p, err := s.repomanager.Portals(s.db).GetByID(ctx, portalID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, common.ErrUnauthorized
	}
	return p, nil
}

// History returns the portal's audit entries, newest first.
func (s *PortalService) History(ctx context.Context, ownerID, portalID string, limit int) ([]*models.AuditEvent, error) {
	p, err := s.repomanager.Portals(s.db).GetByID(ctx, portalID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, common.ErrUnauthorized
	}
	events, err := s.repomanager.Audit(s.db).ListByResource(ctx, portalID, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing audit events: %w", err)
	}
	return events, nil
}

// ListFolders lists directory nodes in the account's storage, for
// choosing where a portal's uploads land. Folder management is an
// active-account capability.
func (s *PortalService) ListFolders(ctx context.Context, ownerID, accountID, parentID string) ([]*transfer.Folder, error) {
	account, adapter, token, err := s.folderTarget(ctx, ownerID, accountID)
	if err != nil {
		return nil, err
	}
	folders, err := adapter.ListFolders(ctx, token, parentID)
	if err != nil {
		s.noteAuthFailure(ctx, account, err)
		return nil, fmt.Errorf("error listing folders: %w", err)
	}
	return folders, nil
}

// CreateFolder creates a directory node in the account's storage.
func (s *PortalService) CreateFolder(ctx context.Context, ownerID, accountID, name, parentID string) (*transfer.Folder, error) {
	account, adapter, token, err := s.folderTarget(ctx, ownerID, accountID)
	if err != nil {
		return nil, err
	}
	folder, err := adapter.CreateFolder(ctx, token, name, parentID)
	if err != nil {
		s.noteAuthFailure(ctx, account, err)
		return nil, fmt.Errorf("error creating folder: %w", err)
	}
	return folder, nil
}

// --- helpers below ---

func (s *PortalService) folderTarget(ctx context.Context, ownerID, accountID string) (*models.StorageAccount, transfer.Adapter, *models.ProviderToken, error) {
	account, err := s.repomanager.Accounts(s.db).GetByID(ctx, accountID)
	if err != nil {
		return nil, nil, nil, err
	}
	if account.OwnerID != ownerID {
		return nil, nil, nil, common.ErrUnauthorized
	}
	if !account.Capabilities().CanManageFolders {
		return nil, nil, nil, &common.StateBlockedError{
			AccountID: accountID,
			Status:    string(account.Status),
			Code:      codeForStatus(account.Status),
		}
	}

	adapter, err := s.adapters.Lookup(account.Provider)
	if err != nil {
		return nil, nil, nil, err
	}
	token, err := s.tokens.GetValidToken(ctx, ownerID, account.Provider)
	if err != nil && !errors.Is(err, common.ErrNoCredential) {
		s.noteAuthFailure(ctx, account, err)
		return nil, nil, nil, err
	}
	return account, adapter, token, nil
}

func (s *PortalService) noteAuthFailure(ctx context.Context, account *models.StorageAccount, cause error) {
	if !common.IsUpstreamAuthError(cause) {
		return
	}
	if err := s.lifecycle.MarkError(ctx, account.ID, cause.Error()); err != nil {
		s.logger.Error(ctx, "flipping account to error state", "account_id", account.ID, "error", err)
	}
}
