package files

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func fileColumns() []string {
	return []string{"id", "portal_id", "owner_id", "provider", "storage_account_id", "external_file_id", "name", "size", "status", "created_at", "updated_at"}
}

func TestCreate_StampsBinding(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	accountID := "acc-1"
	rows := sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("f-1", now, now)
	mock.ExpectQuery(`(?s)^\s*INSERT\s+INTO\s+file_records\s*\(portal_id,\s*owner_id,\s*provider,\s*storage_account_id,\s*name,\s*size,\s*status\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6,\s*\$7\)\s*RETURNING\s+id,\s*created_at,\s*updated_at\s*$`).
		WithArgs("p-1", "owner-1", "google_drive", &accountID, "report.pdf", int64(2048), "pending").
		WillReturnRows(rows)

	file := &models.FileRecord{
		PortalID:         "p-1",
		OwnerID:          "owner-1",
		Provider:         models.ProviderGoogleDrive,
		StorageAccountID: &accountID,
		Name:             "report.pdf",
		Size:             2048,
		Status:           models.FileStatusPending,
	}
	got, err := repo.Create(context.Background(), file)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got.ID != "f-1" {
		t.Fatalf("unexpected id: %q", got.ID)
	}
}

func TestGetByID_LegacyNilBinding(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(fileColumns()).
		AddRow("f-old", "p-1", "owner-1", "google_drive", nil, "drive-123", "old.doc", int64(10), "uploaded", now, now)
	mock.ExpectQuery(`SELECT\s+.*\s+FROM\s+file_records\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs("f-old").
		WillReturnRows(rows)

	got, err := repo.GetByID(context.Background(), "f-old")
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if got.StorageAccountID != nil {
		t.Fatalf("expected nil binding, got %v", *got.StorageAccountID)
	}
	if got.Status != models.FileStatusUploaded {
		t.Fatalf("unexpected status: %q", got.Status)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+.*\s+FROM\s+file_records\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByPortal(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(fileColumns()).
		AddRow("f-1", "p-1", "owner-1", "dropbox", "acc-1", "", "a.txt", int64(1), "pending", now, now).
		AddRow("f-2", "p-1", "owner-1", "dropbox", "acc-1", "dbx-2", "b.txt", int64(2), "uploaded", now, now)
	mock.ExpectQuery(`SELECT\s+.*\s+FROM\s+file_records\s+WHERE\s+portal_id\s*=\s*\$1\s+ORDER\s+BY\s+created_at`).
		WithArgs("p-1").
		WillReturnRows(rows)

	got, err := repo.ListByPortal(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("ListByPortal error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %d", len(got))
	}
}

func TestListByOwner(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(fileColumns()).
		AddRow("f-1", "p-1", "owner-1", "s3", "acc-1", "", "a.txt", int64(1), "pending", now, now)
	mock.ExpectQuery(`SELECT\s+.*\s+FROM\s+file_records\s+WHERE\s+owner_id\s*=\s*\$1\s+ORDER\s+BY\s+created_at`).
		WithArgs("owner-1").
		WillReturnRows(rows)

	got, err := repo.ListByOwner(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("ListByOwner error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 file, got %d", len(got))
	}
}

func TestMarkUploaded_DoesNotTouchBinding(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE\s+file_records\s+SET\s+status\s*=\s*'uploaded',\s*external_file_id\s*=\s*\$2,\s*updated_at\s*=\s*now\(\)\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs("f-1", "drive-999").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkUploaded(context.Background(), "f-1", "drive-999"); err != nil {
		t.Fatalf("MarkUploaded error: %v", err)
	}
}

func TestMarkFailed(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE\s+file_records\s+SET\s+status\s*=\s*'failed',\s*updated_at\s*=\s*now\(\)\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs("f-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkFailed(context.Background(), "f-1"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
}

func TestMarkUploaded_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE\s+file_records\s+SET\s+status\s*=\s*'uploaded'`).
		WithArgs("missing", "x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkUploaded(context.Background(), "missing", "x")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
