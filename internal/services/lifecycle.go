package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/dbx"
	"github.com/droppoint/droppoint/internal/models"
	"github.com/droppoint/droppoint/internal/repositories/repomanager"
)

// LifecycleService owns account status transitions. Every transition is
// validated against the state machine, audited, and cascaded into
// dependent portals inside one transaction, so concurrent callers observe
// an atomic before/after.
type LifecycleService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

func NewLifecycleService(db *sql.DB, m repomanager.RepositoryManager) *LifecycleService {
	return &LifecycleService{db: db, repomanager: m}
}

// TransitionAccount moves an account to the target status. A same-status
// call is an idempotent no-op returning a nil change. An empty ownerID
// skips the ownership check for engine-internal callers.
func (s *LifecycleService) TransitionAccount(ctx context.Context, ownerID, accountID string, target models.Status, reason string, origin models.ActionOrigin) (*models.StateChange, error) {
	var change *models.StateChange
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, c, err := s.transitionTx(ctx, tx, ownerID, accountID, target, reason, origin)
		if err != nil {
			return err
		}
		change = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// Reconnect moves an account the owner explicitly re-authorized back to
// the active state. Portals the engine switched off automatically come
// back with it; manually deactivated ones stay off.
func (s *LifecycleService) Reconnect(ctx context.Context, ownerID, accountID string) (*models.StateChange, error) {
	return s.TransitionAccount(ctx, ownerID, accountID, models.StatusActive, "reconnected by owner", models.OriginManual)
}

// Deactivate pauses an account: existing files stay readable, new
// uploads stop.
func (s *LifecycleService) Deactivate(ctx context.Context, ownerID, accountID string) (*models.StateChange, error) {
	return s.TransitionAccount(ctx, ownerID, accountID, models.StatusInactive, "deactivated by owner", models.OriginManual)
}

// Reactivate manually resumes a paused or errored account.
func (s *LifecycleService) Reactivate(ctx context.Context, ownerID, accountID string) (*models.StateChange, error) {
	return s.TransitionAccount(ctx, ownerID, accountID, models.StatusActive, "reactivated by owner", models.OriginManual)
}

// MarkError flips an account to the error state after an upstream auth
// failure. Engine-internal: no ownership check, tagged automatic. Calling
// it on an account already in the error state is a no-op.
func (s *LifecycleService) MarkError(ctx context.Context, accountID, reason string) error {
	_, err := s.TransitionAccount(ctx, "", accountID, models.StatusError, reason, models.OriginAutomatic)
	return err
}

// Disconnect detaches an account from its credential: the stored token
// pair is removed and the account moves to the disconnected state. The
// row survives for history until the owner deletes it.
func (s *LifecycleService) Disconnect(ctx context.Context, ownerID, accountID string) (*models.StateChange, error) {
	var change *models.StateChange
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		account, c, err := s.transitionTx(ctx, tx, ownerID, accountID, models.StatusDisconnected, "disconnected by owner", models.OriginManual)
		if err != nil {
			return err
		}
		change = c

		credRepo := s.repomanager.Credentials(tx)
		cred, err := credRepo.GetByUniqueKey(ctx, account.OwnerID, account.Provider, account.ExternalAccountID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("error loading credential: %w", err)
		}
		if err := credRepo.Delete(ctx, cred.ID); err != nil {
			return fmt.Errorf("error deleting credential: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// DeleteAccount hard-deletes a storage account. Only a status whose
// capability set allows deletion qualifies; portals bound to the account
// lose their binding, file bindings stay in place for the audit trail.
func (s *LifecycleService) DeleteAccount(ctx context.Context, ownerID, accountID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		accountRepo := s.repomanager.Accounts(tx)

		account, err := accountRepo.GetByIDForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if ownerID != "" && account.OwnerID != ownerID {
			return common.ErrUnauthorized
		}
		if !account.Capabilities().CanBeDeleted {
			return &common.StateBlockedError{
				AccountID: accountID,
				Status:    string(account.Status),
				Code:      common.RejectAccountNotDeletable,
			}
		}
		if err := accountRepo.Delete(ctx, accountID); err != nil {
			return fmt.Errorf("error deleting account: %w", err)
		}

		auditRepo := s.repomanager.Audit(tx)
		err = auditRepo.Append(ctx, &models.AuditEvent{
			OwnerID:    account.OwnerID,
			Action:     models.AuditAccountDeleted,
			ResourceID: accountID,
			Origin:     models.OriginManual,
			Details:    fmt.Sprintf("account %s/%s removed", account.Provider, account.ExternalAccountID),
		})
		if err != nil {
			return fmt.Errorf("error appending audit event: %w", err)
		}
		return nil
	})
}

// ListVisibleAccounts returns the owner's accounts the UI should show.
// Disconnected accounts are hidden until reconnected or deleted.
func (s *LifecycleService) ListVisibleAccounts(ctx context.Context, ownerID string) ([]*models.StorageAccount, error) {
	repo := s.repomanager.Accounts(s.db)
	all, err := repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("error listing accounts: %w", err)
	}
	visible := make([]*models.StorageAccount, 0, len(all))
	for _, a := range all {
		if a.Capabilities().VisibleInUI {
			visible = append(visible, a)
		}
	}
	return visible, nil
}

// AuditTrail returns the owner's most recent audit entries, newest first.
func (s *LifecycleService) AuditTrail(ctx context.Context, ownerID string, limit int) ([]*models.AuditEvent, error) {
	events, err := s.repomanager.Audit(s.db).ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing audit events: %w", err)
	}
	return events, nil
}

// --- helpers below ---

// transitionTx applies one validated status change and cascades it into
// dependent portals, all on the caller's transaction. The returned
// account is the row as loaded, before the change; the change is nil when
// the account already had the target status.
func (s *LifecycleService) transitionTx(ctx context.Context, tx dbx.DBTX, ownerID, accountID string, target models.Status, reason string, origin models.ActionOrigin) (*models.StorageAccount, *models.StateChange, error) {
	accountRepo := s.repomanager.Accounts(tx)

	account, err := accountRepo.GetByIDForUpdate(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if ownerID != "" && account.OwnerID != ownerID {
		return nil, nil, common.ErrUnauthorized
	}
	if account.Status == target {
		return account, nil, nil
	}
	if err := models.ValidateTransition(account.Status, target); err != nil {
		return nil, nil, err
	}

	lastError := ""
	if target == models.StatusError {
		lastError = reason
	}
	if err := accountRepo.UpdateStatus(ctx, accountID, target, lastError); err != nil {
		return nil, nil, fmt.Errorf("error updating account status: %w", err)
	}

	change := &models.StateChange{
		AccountID: accountID,
		OwnerID:   account.OwnerID,
		From:      account.Status,
		To:        target,
	}

	if err := s.auditTransition(ctx, tx, change, reason, origin); err != nil {
		return nil, nil, err
	}
	if err := s.cascadeTx(ctx, tx, change); err != nil {
		return nil, nil, err
	}
	return account, change, nil
}

func (s *LifecycleService) auditTransition(ctx context.Context, tx dbx.DBTX, change *models.StateChange, reason string, origin models.ActionOrigin) error {
	action := models.AuditAccountStatusChanged
	switch {
	case change.To == models.StatusDisconnected:
		action = models.AuditAccountDisconnected
	case change.From == models.StatusDisconnected && change.To == models.StatusActive:
		action = models.AuditAccountReconnected
	}

	details := fmt.Sprintf("%s -> %s", change.From, change.To)
	if reason != "" {
		details = details + ": " + reason
	}

	err := s.repomanager.Audit(tx).Append(ctx, &models.AuditEvent{
		OwnerID:    change.OwnerID,
		Action:     action,
		ResourceID: change.AccountID,
		Origin:     origin,
		Details:    details,
	})
	if err != nil {
		return fmt.Errorf("error appending audit event: %w", err)
	}
	return nil
}

// cascadeTx flips dependent portals when the account's upload capability
// changed. Reactivation only touches portals the engine itself switched
// off; a manual deactivation survives the account coming back.
func (s *LifecycleService) cascadeTx(ctx context.Context, tx dbx.DBTX, change *models.StateChange) error {
	wasFunctional := change.From.Capabilities().CanCreateNewUploads
	isFunctional := change.To.Capabilities().CanCreateNewUploads
	if wasFunctional == isFunctional {
		return nil
	}

	portalRepo := s.repomanager.Portals(tx)
	auditRepo := s.repomanager.Audit(tx)
	details := fmt.Sprintf("storage account %s became %s", change.AccountID, change.To)

	if wasFunctional {
		ids, err := portalRepo.DeactivateByAccount(ctx, change.AccountID, models.OriginAutomatic)
		if err != nil {
			return fmt.Errorf("error deactivating portals: %w", err)
		}
		for _, id := range ids {
			err := auditRepo.Append(ctx, &models.AuditEvent{
				OwnerID:    change.OwnerID,
				Action:     models.AuditPortalDeactivated,
				ResourceID: id,
				Origin:     models.OriginAutomatic,
				Details:    details,
			})
			if err != nil {
				return fmt.Errorf("error appending audit event: %w", err)
			}
		}
		return nil
	}

	ids, err := portalRepo.ReactivateAutoDeactivated(ctx, change.AccountID)
	if err != nil {
		return fmt.Errorf("error reactivating portals: %w", err)
	}
	for _, id := range ids {
		err := auditRepo.Append(ctx, &models.AuditEvent{
			OwnerID:    change.OwnerID,
			Action:     models.AuditPortalReactivated,
			ResourceID: id,
			Origin:     models.OriginAutomatic,
			Details:    details,
		})
		if err != nil {
			return fmt.Errorf("error appending audit event: %w", err)
		}
	}
	return nil
}
