// Package app initializes and runs the binding engine. It wires config,
// database, repositories, transfer adapters, and services together, handles
// graceful shutdown, and drives the periodic reconciliation sweep.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/droppoint/droppoint/internal/config"
	"github.com/droppoint/droppoint/internal/cryptox"
	"github.com/droppoint/droppoint/internal/logging"
	"github.com/droppoint/droppoint/internal/repositories/repomanager"
	"github.com/droppoint/droppoint/internal/services"
	"github.com/droppoint/droppoint/internal/transfer"
)

// App bundles the engine's services over one database handle. The embedding
// process mounts the services on whatever transport it runs and calls Run
// to start the background sweep.
type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	manager   repomanager.RepositoryManager
	tokens    *services.TokenService
	lifecycle *services.LifecycleService
	uploads   *services.UploadService
	downloads *services.DownloadService
	portals   *services.PortalService
	provision *services.ProvisionService
	integrity *services.IntegrityService
}

func NewApp(c *config.Config) (*App, error) {

	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	sealer, err := cryptox.NewSealer([]byte(c.CredentialSecret), []byte(c.CredentialSalt))
	if err != nil {
		return nil, fmt.Errorf("sealer init error: %w", err)
	}

	m := repomanager.NewPostgresRepositoryManager()

	adapters := transfer.NewRegistry()
	adapters.Register(transfer.NewS3Adapter(transfer.S3Config{
		Region:        c.S3Region,
		BaseEndpoint:  c.S3BaseEndpoint,
		AccessKeyID:   c.S3AccessKeyID,
		SecretKey:     c.S3SecretKey,
		Bucket:        c.S3Bucket,
		PresignExpiry: c.PresignExpiry,
	}))

	tokens := services.NewTokenService(db, m, adapters, sealer, c.TokenRefreshLeeway)
	lifecycle := services.NewLifecycleService(db, m)

	return &App{
		config:    c,
		logger:    logger,
		db:        db,
		manager:   m,
		tokens:    tokens,
		lifecycle: lifecycle,
		uploads:   services.NewUploadService(db, m, adapters, tokens, lifecycle, logger),
		downloads: services.NewDownloadService(db, m, adapters, tokens, lifecycle, logger),
		portals:   services.NewPortalService(db, m, adapters, tokens, lifecycle, logger),
		provision: services.NewProvisionService(db, m, adapters, tokens, lifecycle, sealer, logger, c.ProvisionRetryAttempts, c.ProvisionRetryBackoff),
		integrity: services.NewIntegrityService(db, m),
	}, nil
}

// Service accessors for the embedding transport.

func (app *App) Tokens() *services.TokenService        { return app.tokens }
func (app *App) Lifecycle() *services.LifecycleService { return app.lifecycle }
func (app *App) Uploads() *services.UploadService      { return app.uploads }
func (app *App) Downloads() *services.DownloadService  { return app.downloads }
func (app *App) Portals() *services.PortalService      { return app.portals }
func (app *App) Provision() *services.ProvisionService { return app.provision }
func (app *App) Integrity() *services.IntegrityService { return app.integrity }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runSweeper periodically reconciles every owner's accounts against their
// stored credentials until the context is cancelled.
func (app *App) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(app.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.sweep(ctx)
		}
	}
}

func (app *App) sweep(ctx context.Context) {
	res, err := app.provision.ReconcileAll(ctx)
	if err != nil {
		app.logger.Error(ctx, "reconcile sweep failed", "error", err.Error())
		return
	}
	app.logger.Info(ctx, "reconcile sweep finished",
		"owners", res.Owners, "created", res.Created, "demoted", res.Demoted, "errors", len(res.Errors))
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	if err := app.manager.RunMigrations(ctx, app.db); err != nil {
		app.logger.Error(ctx, "migration error", "error", err.Error())
		return
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runSweeper(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, err.Error())
	}
}
