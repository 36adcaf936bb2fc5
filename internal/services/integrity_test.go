package services

import (
	"context"
	"errors"
	"testing"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/models"
)

func issueKinds(issues []models.IntegrityIssue) map[models.IssueKind]int {
	kinds := map[models.IssueKind]int{}
	for _, i := range issues {
		kinds[i.Kind]++
	}
	return kinds
}

func TestCheckPortal(t *testing.T) {
	tests := []struct {
		name      string
		portal    *models.Portal
		account   *models.StorageAccount
		wantKinds []models.IssueKind
	}{
		{
			name:      "active unbound portal reports missing binding",
			portal:    &models.Portal{ID: "p", OwnerID: "owner-1", IsActive: true},
			wantKinds: []models.IssueKind{models.IssueMissingBinding},
		},
		{
			name:   "inactive unbound portal is fine",
			portal: &models.Portal{ID: "p", OwnerID: "owner-1", IsActive: false},
		},
		{
			name:      "dangling binding reports missing account",
			portal:    &models.Portal{ID: "p", OwnerID: "owner-1", IsActive: true, StorageAccountID: strPtr("acc-gone")},
			wantKinds: []models.IssueKind{models.IssueAccountMissing},
		},
		{
			name:      "provider mismatch",
			portal:    &models.Portal{ID: "p", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, IsActive: true, StorageAccountID: strPtr("acc-1")},
			account:   acc("acc-1", models.ProviderS3, models.StatusActive),
			wantKinds: []models.IssueKind{models.IssueProviderMismatch},
		},
		{
			name:   "owner mismatch",
			portal: &models.Portal{ID: "p", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, IsActive: true, StorageAccountID: strPtr("acc-1")},
			account: func() *models.StorageAccount {
				a := acc("acc-1", models.ProviderGoogleDrive, models.StatusActive)
				a.OwnerID = "owner-2"
				return a
			}(),
			wantKinds: []models.IssueKind{models.IssueOwnerMismatch},
		},
		{
			name:    "healthy binding",
			portal:  &models.Portal{ID: "p", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, IsActive: true, StorageAccountID: strPtr("acc-1")},
			account: acc("acc-1", models.ProviderGoogleDrive, models.StatusActive),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := checkPortal(tt.portal, tt.account)
			if len(issues) != len(tt.wantKinds) {
				t.Fatalf("issues = %+v, want %d", issues, len(tt.wantKinds))
			}
			kinds := issueKinds(issues)
			for _, k := range tt.wantKinds {
				if kinds[k] == 0 {
					t.Fatalf("missing issue kind %q in %+v", k, issues)
				}
			}
			for _, i := range issues {
				if i.Detail == "" || i.Suggestion == "" {
					t.Fatalf("issue lacks detail or suggestion: %+v", i)
				}
			}
		})
	}
}

func TestCheckFile(t *testing.T) {
	tests := []struct {
		name      string
		file      *models.FileRecord
		account   *models.StorageAccount
		wantKinds []models.IssueKind
	}{
		{
			name: "legacy local file is fine",
			file: &models.FileRecord{ID: "f", OwnerID: "owner-1"},
		},
		{
			name:      "legacy cloud file reports missing binding",
			file:      &models.FileRecord{ID: "f", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive},
			wantKinds: []models.IssueKind{models.IssueMissingBinding},
		},
		{
			name:      "dangling binding reports missing account",
			file:      &models.FileRecord{ID: "f", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, StorageAccountID: strPtr("acc-gone")},
			wantKinds: []models.IssueKind{models.IssueAccountMissing},
		},
		{
			name:      "provider mismatch",
			file:      &models.FileRecord{ID: "f", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, StorageAccountID: strPtr("acc-1")},
			account:   acc("acc-1", models.ProviderS3, models.StatusActive),
			wantKinds: []models.IssueKind{models.IssueProviderMismatch},
		},
		{
			name: "cross-owner binding reports both mismatches",
			file: &models.FileRecord{ID: "f", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, StorageAccountID: strPtr("acc-1")},
			account: func() *models.StorageAccount {
				a := acc("acc-1", models.ProviderS3, models.StatusActive)
				a.OwnerID = "owner-2"
				return a
			}(),
			wantKinds: []models.IssueKind{models.IssueProviderMismatch, models.IssueOwnerMismatch},
		},
		{
			name:    "healthy binding",
			file:    &models.FileRecord{ID: "f", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, StorageAccountID: strPtr("acc-1")},
			account: acc("acc-1", models.ProviderGoogleDrive, models.StatusActive),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := checkFile(tt.file, tt.account)
			if len(issues) != len(tt.wantKinds) {
				t.Fatalf("issues = %+v, want %d", issues, len(tt.wantKinds))
			}
			kinds := issueKinds(issues)
			for _, k := range tt.wantKinds {
				if kinds[k] == 0 {
					t.Fatalf("missing issue kind %q in %+v", k, issues)
				}
			}
		})
	}
}

func TestValidateOwner(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	m := newFakeRepoManager()
	foreign := acc("acc-foreign", models.ProviderGoogleDrive, models.StatusActive)
	foreign.OwnerID = "owner-2"
	m.a.list = []*models.StorageAccount{
		acc("acc-ok", models.ProviderGoogleDrive, models.StatusActive),
		foreign,
	}
	m.p.list = []*models.Portal{
		{ID: "p-ok", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, IsActive: true, StorageAccountID: strPtr("acc-ok")},
		// The bound account exists in the store but belongs to someone
		// else; this must surface as an owner mismatch, not a missing
		// account.
		{ID: "p-foreign", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, IsActive: true, StorageAccountID: strPtr("acc-foreign")},
	}
	m.f.listByOwner = []*models.FileRecord{
		{ID: "f-ok", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, StorageAccountID: strPtr("acc-ok")},
		{ID: "f-dangling", OwnerID: "owner-1", Provider: models.ProviderGoogleDrive, StorageAccountID: strPtr("acc-gone")},
	}

	svc := NewIntegrityService(db, m)

	issues, err := svc.ValidateOwner(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("ValidateOwner error: %v", err)
	}
	kinds := issueKinds(issues)
	if kinds[models.IssueOwnerMismatch] != 1 {
		t.Fatalf("owner mismatches = %d in %+v", kinds[models.IssueOwnerMismatch], issues)
	}
	if kinds[models.IssueAccountMissing] != 1 {
		t.Fatalf("missing accounts = %d in %+v", kinds[models.IssueAccountMissing], issues)
	}
	if len(issues) != 2 {
		t.Fatalf("issues = %+v, want exactly the two planted violations", issues)
	}
}

func TestValidatePortal(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	m := newFakeRepoManager()
	m.a.list = []*models.StorageAccount{acc("acc-1", models.ProviderS3, models.StatusActive)}
	m.p.list = []*models.Portal{{
		ID:               "p-1",
		OwnerID:          "owner-1",
		Provider:         models.ProviderGoogleDrive,
		IsActive:         true,
		StorageAccountID: strPtr("acc-1"),
	}}
	m.f.listByPortal = []*models.FileRecord{
		{ID: "f-1", OwnerID: "owner-1", PortalID: "p-1", Provider: models.ProviderGoogleDrive, StorageAccountID: strPtr("acc-gone")},
	}

	svc := NewIntegrityService(db, m)

	issues, err := svc.ValidatePortal(context.Background(), "owner-1", "p-1")
	if err != nil {
		t.Fatalf("ValidatePortal error: %v", err)
	}
	kinds := issueKinds(issues)
	if kinds[models.IssueProviderMismatch] != 1 || kinds[models.IssueAccountMissing] != 1 {
		t.Fatalf("issues = %+v", issues)
	}
}

func TestValidatePortalOwnerMismatch(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	m := newFakeRepoManager()
	m.p.list = []*models.Portal{{ID: "p-1", OwnerID: "owner-1"}}

	svc := NewIntegrityService(db, m)

	if _, err := svc.ValidatePortal(context.Background(), "intruder", "p-1"); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}
