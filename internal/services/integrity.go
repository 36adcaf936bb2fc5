package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/models"
	"github.com/droppoint/droppoint/internal/repositories/repomanager"
)

// IntegrityService runs read-only consistency checks across files,
// portals, and accounts. It reports issues with remediation suggestions
// and never repairs anything itself.
type IntegrityService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

func NewIntegrityService(db *sql.DB, m repomanager.RepositoryManager) *IntegrityService {
	return &IntegrityService{db: db, repomanager: m}
}

// ValidateOwner checks every portal and file the owner has. Bound
// accounts are resolved store-wide so a binding into another owner's
// account is reported as an ownership violation, not as missing.
func (s *IntegrityService) ValidateOwner(ctx context.Context, ownerID string) ([]models.IntegrityIssue, error) {
	cache := map[string]*models.StorageAccount{}
	var issues []models.IntegrityIssue

	portals, err := s.repomanager.Portals(s.db).ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("error listing portals: %w", err)
	}
	for _, p := range portals {
		account, err := s.boundAccount(ctx, cache, p.StorageAccountID)
		if err != nil {
			return nil, err
		}
		issues = append(issues, checkPortal(p, account)...)
	}

	files, err := s.repomanager.Files(s.db).ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("error listing files: %w", err)
	}
	for _, f := range files {
		account, err := s.boundAccount(ctx, cache, f.StorageAccountID)
		if err != nil {
			return nil, err
		}
		issues = append(issues, checkFile(f, account)...)
	}
	return issues, nil
}

// ValidatePortal checks one portal and all of its files.
func (s *IntegrityService) ValidatePortal(ctx context.Context, ownerID, portalID string) ([]models.IntegrityIssue, error) {
	portal, err := s.repomanager.Portals(s.db).GetByID(ctx, portalID)
	if err != nil {
		return nil, err
	}
	if portal.OwnerID != ownerID {
		return nil, common.ErrUnauthorized
	}

	cache := map[string]*models.StorageAccount{}
	account, err := s.boundAccount(ctx, cache, portal.StorageAccountID)
	if err != nil {
		return nil, err
	}
	issues := checkPortal(portal, account)

	files, err := s.repomanager.Files(s.db).ListByPortal(ctx, portalID)
	if err != nil {
		return nil, fmt.Errorf("error listing files: %w", err)
	}
	for _, f := range files {
		account, err := s.boundAccount(ctx, cache, f.StorageAccountID)
		if err != nil {
			return nil, err
		}
		issues = append(issues, checkFile(f, account)...)
	}
	return issues, nil
}

// --- helpers below ---

// boundAccount resolves a binding store-wide, caching lookups for the
// duration of one validation pass. A nil id or a dangling binding comes
// back as nil; the check functions tell the two apart via the entity.
func (s *IntegrityService) boundAccount(ctx context.Context, cache map[string]*models.StorageAccount, id *string) (*models.StorageAccount, error) {
	if id == nil {
		return nil, nil
	}
	if a, ok := cache[*id]; ok {
		return a, nil
	}
	a, err := s.repomanager.Accounts(s.db).GetByID(ctx, *id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			cache[*id] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("error loading account: %w", err)
	}
	cache[*id] = a
	return a, nil
}

func checkPortal(p *models.Portal, account *models.StorageAccount) []models.IntegrityIssue {
	if p.StorageAccountID == nil {
		if !p.IsActive {
			return nil
		}
		return []models.IntegrityIssue{{
			Kind:       models.IssueMissingBinding,
			Resource:   "portal",
			ResourceID: p.ID,
			Detail:     "active portal has no storage account binding",
			Suggestion: "bind the portal to an account or rely on provider fallback at upload time",
		}}
	}
	if account == nil {
		return []models.IntegrityIssue{{
			Kind:       models.IssueAccountMissing,
			Resource:   "portal",
			ResourceID: p.ID,
			Detail:     fmt.Sprintf("bound account %s does not exist", *p.StorageAccountID),
			Suggestion: "rebind the portal to an existing account",
		}}
	}

	var issues []models.IntegrityIssue
	if account.Provider != p.Provider {
		issues = append(issues, models.IntegrityIssue{
			Kind:       models.IssueProviderMismatch,
			Resource:   "portal",
			ResourceID: p.ID,
			Detail:     fmt.Sprintf("portal declares %s but bound account %s is %s", p.Provider, account.ID, account.Provider),
			Suggestion: "rebind the portal to an account of its declared provider",
		})
	}
	if account.OwnerID != p.OwnerID {
		issues = append(issues, models.IntegrityIssue{
			Kind:       models.IssueOwnerMismatch,
			Resource:   "portal",
			ResourceID: p.ID,
			Detail:     fmt.Sprintf("bound account %s belongs to owner %s, portal to %s", account.ID, account.OwnerID, p.OwnerID),
			Suggestion: "rebind the portal to one of its owner's accounts",
		})
	}
	return issues
}

func checkFile(f *models.FileRecord, account *models.StorageAccount) []models.IntegrityIssue {
	if f.StorageAccountID == nil {
		// Legacy rows predate the engine. Report cloud-backed ones so the
		// owner can migrate them; downloads keep working regardless.
		if !f.Provider.IsStorage() {
			return nil
		}
		return []models.IntegrityIssue{{
			Kind:       models.IssueMissingBinding,
			Resource:   "file",
			ResourceID: f.ID,
			Detail:     fmt.Sprintf("cloud-backed file (%s) has no account binding", f.Provider),
			Suggestion: "legacy file; downloads remain allowed, consider migrating it",
		}}
	}
	if account == nil {
		return []models.IntegrityIssue{{
			Kind:       models.IssueAccountMissing,
			Resource:   "file",
			ResourceID: f.ID,
			Detail:     fmt.Sprintf("bound account %s does not exist", *f.StorageAccountID),
			Suggestion: "reconnect the provider account; the file binding itself is permanent",
		}}
	}

	var issues []models.IntegrityIssue
	if account.Provider != f.Provider {
		issues = append(issues, models.IntegrityIssue{
			Kind:       models.IssueProviderMismatch,
			Resource:   "file",
			ResourceID: f.ID,
			Detail:     fmt.Sprintf("file declares %s but bound account %s is %s", f.Provider, account.ID, account.Provider),
			Suggestion: "inspect how the binding was written; bindings are never rewritten automatically",
		})
	}
	if account.OwnerID != f.OwnerID {
		issues = append(issues, models.IntegrityIssue{
			Kind:       models.IssueOwnerMismatch,
			Resource:   "file",
			ResourceID: f.ID,
			Detail:     fmt.Sprintf("bound account %s belongs to owner %s, file to %s", account.ID, account.OwnerID, f.OwnerID),
			Suggestion: "inspect how the binding was written; cross-owner bindings are never valid",
		})
	}
	return issues
}
