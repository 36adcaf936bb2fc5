package repomanager

import (
	"context"
	"database/sql"

	"github.com/droppoint/droppoint/internal/dbx"
	"github.com/droppoint/droppoint/internal/repositories/accounts"
	"github.com/droppoint/droppoint/internal/repositories/audit"
	"github.com/droppoint/droppoint/internal/repositories/credentials"
	"github.com/droppoint/droppoint/internal/repositories/files"
	"github.com/droppoint/droppoint/internal/repositories/portals"
)

// RepositoryManager vends repositories bound to a caller-supplied DBTX,
// so a service can run several repositories inside one transaction by
// passing the same *sql.Tx to each factory.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Accounts(db dbx.DBTX) accounts.Repository
	Portals(db dbx.DBTX) portals.Repository
	Files(db dbx.DBTX) files.Repository
	Credentials(db dbx.DBTX) credentials.Repository
	Audit(db dbx.DBTX) audit.Repository
}
