package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/cryptox"
	"github.com/droppoint/droppoint/internal/dbx"
	"github.com/droppoint/droppoint/internal/models"
	"github.com/droppoint/droppoint/internal/repositories/accounts"
	"github.com/droppoint/droppoint/internal/repositories/audit"
	"github.com/droppoint/droppoint/internal/repositories/credentials"
	"github.com/droppoint/droppoint/internal/repositories/files"
	"github.com/droppoint/droppoint/internal/repositories/portals"
	"github.com/droppoint/droppoint/internal/repositories/repomanager"
	"github.com/droppoint/droppoint/internal/transfer"
)

// -------- test fakes --------

type statusCall struct {
	id        string
	status    models.Status
	lastError string
}

type fakeAccountsRepo struct {
	accounts.Repository
	list    []*models.StorageAccount
	getErr  error
	listErr error

	// keyErrs is a queue of errors GetByUniqueKey pops before its normal
	// lookup, for simulating failures that clear on retry.
	keyErrs []error

	created []*models.StorageAccount
	// racedWith simulates losing a creation race: Create fails with
	// createErr but the surviving row becomes visible to later reads.
	createErr error
	racedWith *models.StorageAccount

	statusCalls []statusCall
	statusErr   error

	touched  []string
	touchErr error

	deleted   []string
	deleteErr error

	owners    []string
	ownersErr error
}

func (f *fakeAccountsRepo) find(id string) *models.StorageAccount {
	for _, a := range f.list {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (f *fakeAccountsRepo) GetByID(ctx context.Context, id string) (*models.StorageAccount, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if a := f.find(id); a != nil {
		return a, nil
	}
	return nil, common.ErrNotFound
}

func (f *fakeAccountsRepo) GetByIDForUpdate(ctx context.Context, id string) (*models.StorageAccount, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeAccountsRepo) GetByUniqueKey(ctx context.Context, ownerID string, provider models.Provider, externalID string) (*models.StorageAccount, error) {
	if len(f.keyErrs) > 0 {
		err := f.keyErrs[0]
		f.keyErrs = f.keyErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, a := range f.list {
		if a.OwnerID == ownerID && a.Provider == provider && a.ExternalAccountID == externalID {
			return a, nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeAccountsRepo) ListByOwner(ctx context.Context, ownerID string) ([]*models.StorageAccount, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.StorageAccount
	for _, a := range f.list {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccountsRepo) ListOwners(ctx context.Context) ([]string, error) {
	return f.owners, f.ownersErr
}

func (f *fakeAccountsRepo) Create(ctx context.Context, a *models.StorageAccount) (*models.StorageAccount, error) {
	if f.createErr != nil {
		if f.racedWith != nil {
			f.list = append(f.list, f.racedWith)
			f.racedWith = nil
		}
		return nil, f.createErr
	}
	created := *a
	if created.ID == "" {
		created.ID = "acc-created"
	}
	f.created = append(f.created, &created)
	f.list = append(f.list, &created)
	return &created, nil
}

func (f *fakeAccountsRepo) UpdateStatus(ctx context.Context, id string, status models.Status, lastError string) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statusCalls = append(f.statusCalls, statusCall{id: id, status: status, lastError: lastError})
	if a := f.find(id); a != nil {
		a.Status = status
		a.LastError = lastError
	}
	return nil
}

func (f *fakeAccountsRepo) TouchLastAccessed(ctx context.Context, id string) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeAccountsRepo) Delete(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type deactivateCall struct {
	id     string
	origin models.ActionOrigin
}

type fakePortalsRepo struct {
	portals.Repository
	list    []*models.Portal
	getErr  error
	listErr error

	created   []*models.Portal
	createErr error

	bindings map[string]*string
	bindErr  error

	deactivated   []deactivateCall
	deactivateErr error

	activated   []string
	activateErr error

	// batchDeactivateIDs / reactivateIDs are what the batch operations
	// report as touched.
	batchDeactivateIDs   []string
	batchDeactivateCalls []deactivateCall
	batchErr             error

	reactivateIDs   []string
	reactivateCalls []string
	reactivateErr   error
}

func (f *fakePortalsRepo) GetByID(ctx context.Context, id string) (*models.Portal, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, p := range f.list {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakePortalsRepo) ListByOwner(ctx context.Context, ownerID string) ([]*models.Portal, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.Portal
	for _, p := range f.list {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePortalsRepo) Create(ctx context.Context, p *models.Portal) (*models.Portal, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	created := *p
	if created.ID == "" {
		created.ID = "portal-created"
	}
	f.created = append(f.created, &created)
	f.list = append(f.list, &created)
	return &created, nil
}

func (f *fakePortalsRepo) UpdateBinding(ctx context.Context, id string, accountID *string) error {
	if f.bindErr != nil {
		return f.bindErr
	}
	if f.bindings == nil {
		f.bindings = map[string]*string{}
	}
	f.bindings[id] = accountID
	return nil
}

func (f *fakePortalsRepo) Deactivate(ctx context.Context, id string, origin models.ActionOrigin) error {
	if f.deactivateErr != nil {
		return f.deactivateErr
	}
	f.deactivated = append(f.deactivated, deactivateCall{id: id, origin: origin})
	return nil
}

func (f *fakePortalsRepo) Activate(ctx context.Context, id string) error {
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activated = append(f.activated, id)
	return nil
}

func (f *fakePortalsRepo) DeactivateByAccount(ctx context.Context, accountID string, origin models.ActionOrigin) ([]string, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	f.batchDeactivateCalls = append(f.batchDeactivateCalls, deactivateCall{id: accountID, origin: origin})
	return f.batchDeactivateIDs, nil
}

func (f *fakePortalsRepo) ReactivateAutoDeactivated(ctx context.Context, accountID string) ([]string, error) {
	if f.reactivateErr != nil {
		return nil, f.reactivateErr
	}
	f.reactivateCalls = append(f.reactivateCalls, accountID)
	return f.reactivateIDs, nil
}

type uploadedCall struct {
	id         string
	externalID string
}

type fakeFilesRepo struct {
	files.Repository
	byID   *models.FileRecord
	getErr error

	created   []*models.FileRecord
	createErr error

	uploaded  []uploadedCall
	uploadErr error

	failed  []string
	failErr error

	listByPortal []*models.FileRecord
	listByOwner  []*models.FileRecord
	listErr      error
}

func (f *fakeFilesRepo) GetByID(ctx context.Context, id string) (*models.FileRecord, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.byID == nil {
		return nil, common.ErrNotFound
	}
	return f.byID, nil
}

func (f *fakeFilesRepo) Create(ctx context.Context, file *models.FileRecord) (*models.FileRecord, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	created := *file
	if created.ID == "" {
		created.ID = "file-created"
	}
	f.created = append(f.created, &created)
	return &created, nil
}

func (f *fakeFilesRepo) MarkUploaded(ctx context.Context, id, externalFileID string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploaded = append(f.uploaded, uploadedCall{id: id, externalID: externalFileID})
	return nil
}

func (f *fakeFilesRepo) MarkFailed(ctx context.Context, id string) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeFilesRepo) ListByPortal(ctx context.Context, portalID string) ([]*models.FileRecord, error) {
	return f.listByPortal, f.listErr
}

func (f *fakeFilesRepo) ListByOwner(ctx context.Context, ownerID string) ([]*models.FileRecord, error) {
	return f.listByOwner, f.listErr
}

type tokenUpdate struct {
	id           string
	access       []byte
	accessNonce  []byte
	refresh      []byte
	refreshNonce []byte
	expiresAt    *time.Time
}

type fakeCredentialsRepo struct {
	credentials.Repository
	list    []*models.ExternalCredential
	listErr error

	latest    *models.ExternalCredential
	latestErr error

	byKey    *models.ExternalCredential
	byKeyErr error

	upserted  []*models.ExternalCredential
	upsertErr error

	updates   []tokenUpdate
	updateErr error

	deleted   []string
	deleteErr error

	owners    []string
	ownersErr error
}

func (f *fakeCredentialsRepo) ListByOwner(ctx context.Context, ownerID string) ([]*models.ExternalCredential, error) {
	return f.list, f.listErr
}

func (f *fakeCredentialsRepo) ListOwners(ctx context.Context) ([]string, error) {
	return f.owners, f.ownersErr
}

func (f *fakeCredentialsRepo) GetLatestByProvider(ctx context.Context, ownerID string, provider models.Provider) (*models.ExternalCredential, error) {
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	if f.latest == nil {
		return nil, common.ErrNotFound
	}
	return f.latest, nil
}

func (f *fakeCredentialsRepo) GetByUniqueKey(ctx context.Context, ownerID string, provider models.Provider, externalID string) (*models.ExternalCredential, error) {
	if f.byKeyErr != nil {
		return nil, f.byKeyErr
	}
	if f.byKey == nil {
		return nil, common.ErrNotFound
	}
	return f.byKey, nil
}

func (f *fakeCredentialsRepo) Upsert(ctx context.Context, cred *models.ExternalCredential) (*models.ExternalCredential, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	stored := *cred
	if stored.ID == "" {
		stored.ID = "cred-upserted"
	}
	f.upserted = append(f.upserted, &stored)
	return &stored, nil
}

func (f *fakeCredentialsRepo) UpdateTokens(ctx context.Context, id string, access, accessNonce, refresh, refreshNonce []byte, expiresAt *time.Time) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, tokenUpdate{
		id:           id,
		access:       access,
		accessNonce:  accessNonce,
		refresh:      refresh,
		refreshNonce: refreshNonce,
		expiresAt:    expiresAt,
	})
	return nil
}

func (f *fakeCredentialsRepo) Delete(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeAuditRepo struct {
	audit.Repository
	events    []*models.AuditEvent
	appendErr error

	byOwner    []*models.AuditEvent
	byResource []*models.AuditEvent
	listErr    error
}

func (f *fakeAuditRepo) Append(ctx context.Context, e *models.AuditEvent) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeAuditRepo) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.AuditEvent, error) {
	return f.byOwner, f.listErr
}

func (f *fakeAuditRepo) ListByResource(ctx context.Context, resourceID string, limit int) ([]*models.AuditEvent, error) {
	return f.byResource, f.listErr
}

type fakeRepoManager struct {
	repomanager.RepositoryManager
	a *fakeAccountsRepo
	p *fakePortalsRepo
	f *fakeFilesRepo
	c *fakeCredentialsRepo
	d *fakeAuditRepo
}

func (m *fakeRepoManager) Accounts(db dbx.DBTX) accounts.Repository       { return m.a }
func (m *fakeRepoManager) Portals(db dbx.DBTX) portals.Repository         { return m.p }
func (m *fakeRepoManager) Files(db dbx.DBTX) files.Repository             { return m.f }
func (m *fakeRepoManager) Credentials(db dbx.DBTX) credentials.Repository { return m.c }
func (m *fakeRepoManager) Audit(db dbx.DBTX) audit.Repository             { return m.d }

// newFakeRepoManager fills every slot so tests only set what they need.
func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		a: &fakeAccountsRepo{},
		p: &fakePortalsRepo{},
		f: &fakeFilesRepo{},
		c: &fakeCredentialsRepo{},
		d: &fakeAuditRepo{},
	}
}

type markErrorCall struct {
	accountID string
	reason    string
}

type fakeTransitioner struct {
	marked  []markErrorCall
	markErr error

	transitions   []models.StateChange
	transitionErr error
}

func (f *fakeTransitioner) MarkError(ctx context.Context, accountID, reason string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, markErrorCall{accountID: accountID, reason: reason})
	return nil
}

func (f *fakeTransitioner) TransitionAccount(ctx context.Context, ownerID, accountID string, target models.Status, reason string, origin models.ActionOrigin) (*models.StateChange, error) {
	if f.transitionErr != nil {
		return nil, f.transitionErr
	}
	change := models.StateChange{AccountID: accountID, OwnerID: ownerID, To: target}
	f.transitions = append(f.transitions, change)
	return &change, nil
}

type fakeTokens struct {
	token *models.ProviderToken
	err   error
}

func (f *fakeTokens) GetValidToken(ctx context.Context, ownerID string, provider models.Provider) (*models.ProviderToken, error) {
	return f.token, f.err
}

func (f *fakeTokens) TokenForCredential(ctx context.Context, cred *models.ExternalCredential) (*models.ProviderToken, error) {
	return f.token, f.err
}

type fakeAdapter struct {
	provider models.Provider

	target    *transfer.UploadTarget
	uploadErr error
	uploads   []string

	download    *transfer.DownloadResult
	downloadErr error

	folders   []*transfer.Folder
	folder    *transfer.Folder
	folderErr error

	info      *transfer.AccountInfo
	infoErr   error
	infoCalls int

	refreshed  *transfer.RefreshedToken
	refreshErr error
	refreshes  []string
}

func (f *fakeAdapter) Provider() models.Provider { return f.provider }

func (f *fakeAdapter) Upload(ctx context.Context, token *models.ProviderToken, name string, size int64) (*transfer.UploadTarget, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, name)
	return f.target, nil
}

func (f *fakeAdapter) Download(ctx context.Context, token *models.ProviderToken, externalFileID string) (*transfer.DownloadResult, error) {
	return f.download, f.downloadErr
}

func (f *fakeAdapter) ListFolders(ctx context.Context, token *models.ProviderToken, parentID string) ([]*transfer.Folder, error) {
	return f.folders, f.folderErr
}

func (f *fakeAdapter) CreateFolder(ctx context.Context, token *models.ProviderToken, name, parentID string) (*transfer.Folder, error) {
	return f.folder, f.folderErr
}

func (f *fakeAdapter) GetAccountInfo(ctx context.Context, token *models.ProviderToken) (*transfer.AccountInfo, error) {
	f.infoCalls++
	return f.info, f.infoErr
}

func (f *fakeAdapter) RefreshToken(ctx context.Context, refreshToken string) (*transfer.RefreshedToken, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.refreshes = append(f.refreshes, refreshToken)
	return f.refreshed, nil
}

// -------- helpers --------

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func newTestSealer(t *testing.T) *cryptox.Sealer {
	t.Helper()
	sealer, err := cryptox.NewSealer([]byte("test-secret"), []byte("test-salt"))
	if err != nil {
		t.Fatalf("NewSealer error: %v", err)
	}
	return sealer
}

func signTestToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return tok
}

func newTestRegistry(adapters ...*fakeAdapter) *transfer.Registry {
	r := transfer.NewRegistry()
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func strPtr(s string) *string { return &s }

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
