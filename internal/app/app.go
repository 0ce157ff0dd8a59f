package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"storeline/internal/catalogclient"
	"storeline/internal/config"
	"storeline/internal/db"
	"storeline/internal/engine"
	"storeline/internal/engine/auth"
	"storeline/internal/events"
	"storeline/internal/logging"
	"storeline/internal/migrate"
	"storeline/internal/publish"
	"storeline/internal/repo"
	"storeline/internal/sandbox"
)

// App is a fully wired storeline instance for one workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Log       *zap.Logger
	Sandbox   *sandbox.Platform
	// Remote is set when products come from an external catalog.
	Remote    *catalogclient.Client
	Engine    *engine.Engine
	Publisher *publish.Publisher
}

// ResolveConfig loads the config at path when given, else the workspace's
// storeline.yml.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// Open migrates the workspace database and wires the engine to the sandbox
// platform. log may be nil, in which case one is built from cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if log == nil {
		var err error
		if log, err = logging.New(cfg.Logging); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, DB: conn, Repo: repo.Repo{DB: conn}, Log: log}
	if err := a.wire(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	applied, err := migrate.MigrateContext(ctx, a.DB)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		a.Log.Info("applied migrations", zap.Strings("migrations", applied))
	}
	signer, err := auth.NewSigner(cfg.Verification)
	if err != nil {
		return fmt.Errorf("transaction signer: %w", err)
	}
	oracle, err := auth.NewOracle(cfg.Verification)
	if err != nil {
		return fmt.Errorf("verification oracle: %w", err)
	}
	a.Sandbox = sandbox.New(a.Repo, signer, oracle, cfg.Sandbox.Environment, a.Log.Named("sandbox"))
	if err := a.Sandbox.Seed(ctx, cfg.Sandbox.Products); err != nil {
		return err
	}

	var catalog engine.CatalogService = a.Sandbox
	if cfg.Catalog.URL != "" {
		a.Remote = catalogclient.New(cfg.Catalog.URL, catalogclient.Settings{Timeout: cfg.CatalogTimeout()}, a.Log.Named("catalog"))
		catalog = a.Remote
	}
	a.Engine = engine.New(engine.Deps{
		Platform:   a.Sandbox,
		Catalog:    catalog,
		Events:     events.Writer{DB: a.DB},
		Log:        a.Log.Named("engine"),
		ProductIDs: cfg.Store.ProductIDs,
	})
	if cfg.Publish.Redis.Addr != "" {
		a.Publisher = publish.New(cfg.Publish.Redis, cfg.Store.ID, a.Log.Named("publish"))
	}
	return nil
}

// StartPublisher mirrors every published entitlement set to Redis until ctx
// is done. It is a no-op without a publish.redis section.
func (a *App) StartPublisher(ctx context.Context) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.Ping(ctx); err != nil {
		a.Log.Warn("redis not reachable; snapshots will be retried on each reconciliation", zap.Error(err))
	}
	go a.Publisher.Run(ctx, a.Engine.State.Watch(ctx))
}

func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	errs = append(errs, a.DB.Close())
	_ = a.Log.Sync()
	return errors.Join(errs...)
}
