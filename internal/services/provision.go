package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	"github.com/droppoint/droppoint/internal/auth"
	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/cryptox"
	"github.com/droppoint/droppoint/internal/dbx"
	"github.com/droppoint/droppoint/internal/logging"
	"github.com/droppoint/droppoint/internal/models"
	"github.com/droppoint/droppoint/internal/repositories/repomanager"
	"github.com/droppoint/droppoint/internal/transfer"
)

// CredentialVerifier turns a stored credential into a live token,
// refreshing it if needed. Implemented by TokenService.
type CredentialVerifier interface {
	TokenForCredential(ctx context.Context, cred *models.ExternalCredential) (*models.ProviderToken, error)
}

// Transitioner applies validated account state changes with their portal
// cascades. Implemented by LifecycleService.
type Transitioner interface {
	TransitionAccount(ctx context.Context, ownerID, accountID string, target models.Status, reason string, origin models.ActionOrigin) (*models.StateChange, error)
}

// ProvisionOutcome says what a provisioning call did.
type ProvisionOutcome string

const (
	ProvisionCreated  ProvisionOutcome = "created"
	ProvisionExisting ProvisionOutcome = "existing"
	ProvisionSkipped  ProvisionOutcome = "skipped"
)

// RawCredential is the token material an out-of-scope OAuth flow hands
// the engine after the owner authorizes a provider.
type RawCredential struct {
	Provider     models.Provider
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    *time.Time
	// ExternalAccountID and Email override what the ID token carries,
	// for providers that do not issue one.
	ExternalAccountID string
	Email             string
}

// ProvisionService is the only component that creates or repairs storage
// account rows. It aligns accounts with the credentials owners actually
// hold: new credentials get ACTIVE accounts, orphaned ACTIVE accounts are
// demoted, and a DISCONNECTED account is never promoted here no matter
// what its credential says.
type ProvisionService struct {
	db            *sql.DB
	repomanager   repomanager.RepositoryManager
	adapters      *transfer.Registry
	tokens        CredentialVerifier
	lifecycle     Transitioner
	sealer        *cryptox.Sealer
	logger        logging.Logger
	retryAttempts uint64
	retryBackoff  time.Duration
}

// NewProvisionService constructs a ProvisionService. retryAttempts is
// how many times a transient store failure is retried beyond the first
// try, waiting retryBackoff between tries.
func NewProvisionService(db *sql.DB, m repomanager.RepositoryManager, adapters *transfer.Registry, tokens CredentialVerifier, lifecycle Transitioner, sealer *cryptox.Sealer, logger logging.Logger, retryAttempts uint64, retryBackoff time.Duration) *ProvisionService {
	return &ProvisionService{
		db:            db,
		repomanager:   m,
		adapters:      adapters,
		tokens:        tokens,
		lifecycle:     lifecycle,
		sealer:        sealer,
		logger:        logger.With("module", "provision"),
		retryAttempts: retryAttempts,
		retryBackoff:  retryBackoff,
	}
}

// ConnectCredential seals and stores the token material from a completed
// authorization and immediately provisions the matching account. This is
// the "on credential establishment" reconciliation trigger; the returned
// account is nil for sign-in-only providers.
func (s *ProvisionService) ConnectCredential(ctx context.Context, ownerID string, raw *RawCredential) (*models.StorageAccount, error) {
	externalID, email := raw.ExternalAccountID, raw.Email
	if externalID == "" && raw.IDToken != "" {
		identity, err := auth.ParseIDToken(raw.IDToken)
		if err != nil {
			return nil, fmt.Errorf("error reading identity token: %w", err)
		}
		externalID = identity.Subject
		if email == "" {
			email = identity.Email
		}
	}
	if externalID == "" {
		return nil, errors.New("credential carries no external account id")
	}

	access, accessNonce, err := s.sealer.Seal([]byte(raw.AccessToken))
	if err != nil {
		return nil, err
	}
	var refresh, refreshNonce []byte
	if raw.RefreshToken != "" {
		refresh, refreshNonce, err = s.sealer.Seal([]byte(raw.RefreshToken))
		if err != nil {
			return nil, err
		}
	}

	stored, err := s.repomanager.Credentials(s.db).Upsert(ctx, &models.ExternalCredential{
		OwnerID:           ownerID,
		Provider:          raw.Provider,
		ExternalAccountID: externalID,
		Email:             email,
		AccessToken:       access,
		AccessNonce:       accessNonce,
		RefreshToken:      refresh,
		RefreshNonce:      refreshNonce,
		IDToken:           raw.IDToken,
		ExpiresAt:         raw.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("error storing credential: %w", err)
	}

	outcome, account, err := s.ProvisionFromCredential(ctx, ownerID, stored)
	if err != nil {
		return nil, err
	}
	if outcome == ProvisionSkipped {
		return nil, nil
	}
	return account, nil
}

// ProvisionFromCredential ensures a storage account exists for the
// credential. Non-storage providers are skipped; an existing row of any
// status, DISCONNECTED included, is left exactly as it is. Transient
// store failures are retried a bounded number of times; logical
// conflicts are not retried, a lost creation race reads back the
// surviving row and reports it as existing.
func (s *ProvisionService) ProvisionFromCredential(ctx context.Context, ownerID string, cred *models.ExternalCredential) (ProvisionOutcome, *models.StorageAccount, error) {
	if !cred.Provider.IsStorage() {
		return ProvisionSkipped, nil, nil
	}

	var (
		outcome ProvisionOutcome
		account *models.StorageAccount
	)
	b := retry.WithMaxRetries(s.retryAttempts, retry.NewConstant(s.retryBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		o, a, err := s.provisionOnce(ctx, ownerID, cred)
		if err != nil {
			// Only store failures marked transient are retried; upstream
			// auth and verification failures surface immediately.
			if common.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		outcome, account = o, a
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return outcome, account, nil
}

// ReconcileOwner aligns one owner's accounts with their credentials:
// every storage credential is provisioned, then ACTIVE accounts whose
// credential is gone are demoted to DISCONNECTED. Credentials are
// processed sequentially so audit ordering stays deterministic; a
// credential that fails to provision is logged and skipped rather than
// aborting the orphan scan.
func (s *ProvisionService) ReconcileOwner(ctx context.Context, ownerID string) (*models.OwnerReconcileResult, error) {
	result := &models.OwnerReconcileResult{OwnerID: ownerID}

	creds, err := s.repomanager.Credentials(s.db).ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("error listing credentials: %w", err)
	}
	for _, cred := range creds {
		outcome, _, err := s.ProvisionFromCredential(ctx, ownerID, cred)
		if err != nil {
			s.logger.Warn(ctx, "provisioning failed",
				"owner_id", ownerID, "provider", cred.Provider, "error", err)
			result.Failed++
			continue
		}
		switch outcome {
		case ProvisionCreated:
			result.Created++
		case ProvisionExisting:
			result.Existing++
		case ProvisionSkipped:
			result.Skipped++
		}
	}

	accounts, err := s.repomanager.Accounts(s.db).ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("error listing accounts: %w", err)
	}
	for _, a := range accounts {
		if a.Status != models.StatusActive {
			continue
		}
		if findCredential(creds, a.Provider, a.ExternalAccountID) != nil {
			continue
		}
		if _, err := s.lifecycle.TransitionAccount(ctx, "", a.ID, models.StatusDisconnected, "no matching credential", models.OriginAutomatic); err != nil {
			s.logger.Warn(ctx, "demoting orphaned account failed",
				"owner_id", ownerID, "account_id", a.ID, "error", err)
			result.Failed++
			continue
		}
		result.Demoted++
	}
	return result, nil
}

// ReconcileAll sweeps every owner known to either the credential or the
// account store, sequentially, isolating per-owner failures so one bad
// owner does not abort the pass.
func (s *ProvisionService) ReconcileAll(ctx context.Context) (*models.SweepResult, error) {
	owners, err := s.listAllOwners(ctx)
	if err != nil {
		return nil, err
	}

	result := &models.SweepResult{Owners: len(owners)}
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		or, err := s.ReconcileOwner(ctx, owner)
		if err != nil {
			result.Errors = append(result.Errors, models.OwnerError{OwnerID: owner, Err: err.Error()})
			continue
		}
		result.Created += or.Created
		result.Demoted += or.Demoted
	}

	s.logger.Info(ctx, "reconcile sweep finished",
		"owners", result.Owners, "created", result.Created,
		"demoted", result.Demoted, "errors", len(result.Errors))
	return result, nil
}

// HealthCheck is the reporting variant of reconciliation: it verifies
// every credential upstream, provisions missing accounts, demotes
// orphans, and brings ERROR accounts whose credential works again back
// to ACTIVE. DISCONNECTED accounts are reported but never promoted. With
// an empty ownerID it sweeps everyone.
func (s *ProvisionService) HealthCheck(ctx context.Context, ownerID string) (*models.HealthReport, error) {
	report := &models.HealthReport{}
	if ownerID != "" {
		if err := s.healthCheckOwner(ctx, ownerID, report); err != nil {
			return nil, err
		}
		return report, nil
	}

	owners, err := s.listAllOwners(ctx)
	if err != nil {
		return nil, err
	}
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.healthCheckOwner(ctx, owner, report); err != nil {
			report.Entries = append(report.Entries, models.HealthEntry{
				OwnerID: owner,
				Action:  models.HealthError,
				Detail:  err.Error(),
			})
		}
	}
	return report, nil
}

// --- helpers below ---

func (s *ProvisionService) provisionOnce(ctx context.Context, ownerID string, cred *models.ExternalCredential) (ProvisionOutcome, *models.StorageAccount, error) {
	accountRepo := s.repomanager.Accounts(s.db)

	existing, err := accountRepo.GetByUniqueKey(ctx, ownerID, cred.Provider, cred.ExternalAccountID)
	if err == nil {
		// The row is never touched here. DISCONNECTED in particular stays
		// DISCONNECTED: reactivation needs an explicit reconnect.
		return ProvisionExisting, existing, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return "", nil, storeErr("loading account", err)
	}

	info, err := s.verifyUpstream(ctx, cred)
	if err != nil {
		return "", nil, err
	}

	created, err := s.createAccount(ctx, ownerID, cred, info)
	if err != nil {
		if errors.Is(err, common.ErrAlreadyExists) {
			// Lost a creation race; the surviving row is the success.
			account, err := accountRepo.GetByUniqueKey(ctx, ownerID, cred.Provider, cred.ExternalAccountID)
			if err != nil {
				return "", nil, fmt.Errorf("error loading account: %w", err)
			}
			return ProvisionExisting, account, nil
		}
		return "", nil, err
	}
	return ProvisionCreated, created, nil
}

// verifyUpstream proves the credential is still live by asking the
// provider who it belongs to. Auth failures come back typed and are
// never retried here.
func (s *ProvisionService) verifyUpstream(ctx context.Context, cred *models.ExternalCredential) (*transfer.AccountInfo, error) {
	token, err := s.tokens.TokenForCredential(ctx, cred)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapters.Lookup(cred.Provider)
	if err != nil {
		return nil, err
	}
	info, err := adapter.GetAccountInfo(ctx, token)
	if err != nil {
		if common.IsUpstreamAuthError(err) {
			return nil, &common.UpstreamAuthError{Provider: string(cred.Provider), Err: err}
		}
		return nil, fmt.Errorf("error verifying credential upstream: %w", err)
	}
	return info, nil
}

func (s *ProvisionService) createAccount(ctx context.Context, ownerID string, cred *models.ExternalCredential, info *transfer.AccountInfo) (*models.StorageAccount, error) {
	displayName := info.DisplayName
	if displayName == "" {
		displayName = cred.Email
	}
	email := info.Email
	if email == "" {
		email = cred.Email
	}

	var account *models.StorageAccount
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		created, err := s.repomanager.Accounts(tx).Create(ctx, &models.StorageAccount{
			OwnerID:           ownerID,
			Provider:          cred.Provider,
			ExternalAccountID: cred.ExternalAccountID,
			DisplayName:       displayName,
			Email:             email,
			Status:            models.StatusActive,
		})
		if err != nil {
			if errors.Is(err, common.ErrAlreadyExists) {
				return err
			}
			return storeErr("creating account", err)
		}
		account = created

		err = s.repomanager.Audit(tx).Append(ctx, &models.AuditEvent{
			OwnerID:    ownerID,
			Action:     models.AuditAccountCreated,
			ResourceID: created.ID,
			Origin:     models.OriginAutomatic,
			Details:    fmt.Sprintf("provisioned from %s credential %s", cred.Provider, cred.ExternalAccountID),
		})
		if err != nil {
			return storeErr("appending audit event", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *ProvisionService) healthCheckOwner(ctx context.Context, ownerID string, report *models.HealthReport) error {
	creds, err := s.repomanager.Credentials(s.db).ListByOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("error listing credentials: %w", err)
	}
	accounts, err := s.repomanager.Accounts(s.db).ListByOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("error listing accounts: %w", err)
	}

	for _, cred := range creds {
		if !cred.Provider.IsStorage() {
			continue
		}
		entry := models.HealthEntry{OwnerID: ownerID, Provider: cred.Provider}
		account := findByTriple(accounts, cred.Provider, cred.ExternalAccountID)

		if account == nil {
			outcome, created, err := s.ProvisionFromCredential(ctx, ownerID, cred)
			if err != nil {
				entry.Action, entry.Detail = models.HealthError, err.Error()
			} else {
				if created != nil {
					entry.AccountID = created.ID
				}
				if outcome == ProvisionCreated {
					entry.Action = models.HealthCreated
				} else {
					entry.Action = models.HealthValidated
				}
			}
			report.Entries = append(report.Entries, entry)
			continue
		}

		entry.AccountID = account.ID
		if _, err := s.verifyUpstream(ctx, cred); err != nil {
			entry.Action, entry.Detail = models.HealthError, err.Error()
			report.Entries = append(report.Entries, entry)
			if common.IsUpstreamAuthError(err) && account.Status.CanTransitionTo(models.StatusError) {
				if _, terr := s.lifecycle.TransitionAccount(ctx, "", account.ID, models.StatusError, "credential failed verification", models.OriginAutomatic); terr != nil {
					s.logger.Error(ctx, "flipping account to error state",
						"account_id", account.ID, "error", terr)
				}
			}
			continue
		}

		switch account.Status {
		case models.StatusError:
			// The credential works again; ERROR is the one state allowed
			// to self-resolve.
			if _, err := s.lifecycle.TransitionAccount(ctx, "", account.ID, models.StatusActive, "credential verified", models.OriginAutomatic); err != nil {
				entry.Action, entry.Detail = models.HealthError, err.Error()
			} else {
				entry.Action = models.HealthReactivated
			}
		case models.StatusDisconnected:
			entry.Action, entry.Detail = models.HealthValidated, "credential live, account stays disconnected"
		default:
			entry.Action = models.HealthValidated
		}
		report.Entries = append(report.Entries, entry)
	}

	for _, a := range accounts {
		if a.Status != models.StatusActive {
			continue
		}
		if findCredential(creds, a.Provider, a.ExternalAccountID) != nil {
			continue
		}
		entry := models.HealthEntry{OwnerID: ownerID, Provider: a.Provider, AccountID: a.ID}
		if _, err := s.lifecycle.TransitionAccount(ctx, "", a.ID, models.StatusDisconnected, "no matching credential", models.OriginAutomatic); err != nil {
			entry.Action, entry.Detail = models.HealthError, err.Error()
		} else {
			entry.Action = models.HealthDisconnected
		}
		report.Entries = append(report.Entries, entry)
	}
	return nil
}

// listAllOwners unions credential and account owners, sorted so sweep
// order is deterministic.
func (s *ProvisionService) listAllOwners(ctx context.Context) ([]string, error) {
	credOwners, err := s.repomanager.Credentials(s.db).ListOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing credential owners: %w", err)
	}
	accountOwners, err := s.repomanager.Accounts(s.db).ListOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing account owners: %w", err)
	}

	set := make(map[string]struct{}, len(credOwners)+len(accountOwners))
	for _, o := range credOwners {
		set[o] = struct{}{}
	}
	for _, o := range accountOwners {
		set[o] = struct{}{}
	}
	owners := make([]string, 0, len(set))
	for o := range set {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners, nil
}

func findCredential(creds []*models.ExternalCredential, provider models.Provider, externalID string) *models.ExternalCredential {
	for _, c := range creds {
		if c.Provider == provider && c.ExternalAccountID == externalID {
			return c
		}
	}
	return nil
}

func findByTriple(accounts []*models.StorageAccount, provider models.Provider, externalID string) *models.StorageAccount {
	for _, a := range accounts {
		if a.Provider == provider && a.ExternalAccountID == externalID {
			return a
		}
	}
	return nil
}

// storeErr wraps a store failure, marking it transient when it is safe
// to retry.
func storeErr(op string, err error) error {
	if isTransientStoreError(err) {
		return &common.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("error %s: %w", op, err)
}

// isTransientStoreError reports whether a store failure is safe to
// retry: connection trouble, serialization failures, and deadlocks.
// Logical conflicts such as unique violations are not transient.
func isTransientStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P03":
			return true
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
