// Package app assembles a running skillbox instance from configuration.
package app

import (
	"context"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillbox/pkg/bridge"
	"github.com/jingkaihe/skillbox/pkg/config"
	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jingkaihe/skillbox/pkg/db/migrations"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/migration"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/jingkaihe/skillbox/pkg/skills"
	"github.com/jingkaihe/skillbox/pkg/vfs"
)

// App holds the long-lived components of one skillbox instance.
type App struct {
	Config    config.Config
	DB        *sqlx.DB
	FS        *vfs.FS
	Storage   *skills.Storage
	Engine    *sandbox.Engine
	Manager   *skills.Manager
	Migration []*migration.Report
}

// Option adjusts how an App is built.
type Option func(*options)

type options struct {
	skipDataMigrations bool
	engineOpts         []sandbox.Option
	bridgeOpts         []bridge.Option
}

// WithoutDataMigrations opens storage without running data migrations.
func WithoutDataMigrations() Option {
	return func(o *options) { o.skipDataMigrations = true }
}

// WithEngineOptions passes options to the sandbox engine.
func WithEngineOptions(opts ...sandbox.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithBridgeOptions passes extra options to every per-invocation bridge.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(o *options) { o.bridgeOpts = append(o.bridgeOpts, opts...) }
}

// OpenStorage opens the catalogue database, applies schema migrations and
// opens the virtual filesystem. Callers own the returned handles.
func OpenStorage(ctx context.Context, cfg config.Config) (*sqlx.DB, *skills.Storage, error) {
	sqlDB, err := db.Open(ctx, cfg.StoragePath())
	if err != nil {
		return nil, nil, err
	}
	if err := db.NewMigrationRunner(sqlDB).Run(ctx, migrations.All()); err != nil {
		sqlDB.Close()
		return nil, nil, errors.Wrap(err, "failed to apply schema migrations")
	}
	fsys, err := vfs.Open(cfg.FilesPath())
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	storage := skills.NewStorage(fsys, skills.NewCatalogue(sqlDB), skills.WithSyncTTL(cfg.Catalogue.SyncTTL))
	return sqlDB, storage, nil
}

// New builds an App. Schema migrations run first, then data migrations, and
// only then are the engine and manager created on top of the upgraded data.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	sqlDB, storage, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: sqlDB, FS: storage.FS(), Storage: storage}

	if !o.skipDataMigrations {
		reports, err := migration.NewRunner(sqlDB).Run(ctx, migration.All(storage)...)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Migration = reports
	}

	a.Engine = sandbox.New(cfg.Sandbox, o.engineOpts...)

	bridgeOpts := []bridge.Option{
		bridge.WithHTTPClient(resty.New().SetTimeout(cfg.Sandbox.Timeout)),
		bridge.WithDomainFilter(bridge.NewDomainFilter(cfg.Fetch.AllowedDomainsFile, cfg.Fetch.AllowedDomains...)),
		bridge.WithDownloader(bridge.NewDirDownloader(cfg.Downloads.Dir)),
	}
	bridgeOpts = append(bridgeOpts, o.bridgeOpts...)
	a.Manager = skills.NewManager(storage, a.Engine, skills.WithBridgeOptions(bridgeOpts...))

	if err := a.Manager.Initialize(ctx); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "failed to initialize skill manager")
	}
	logger.G(ctx).WithField("base_path", cfg.BasePath).Debug("skillbox initialised")
	return a, nil
}

// Close releases the database and filesystem handles.
func (a *App) Close() error {
	var result *multierror.Error
	if a.FS != nil {
		if err := a.FS.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close filesystem"))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close database"))
		}
	}
	return result.ErrorOrNil()
}
