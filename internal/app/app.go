// Package app wires configuration, storage, the remote replica and the
// sync orchestrator into a running process.
package app

import (
	"context"
	"os"

	"github.com/dukanx/backend/internal/config"
	"github.com/dukanx/backend/internal/crypto"
	"github.com/dukanx/backend/internal/db"
	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
	dsync "github.com/dukanx/backend/internal/sync"
	"github.com/dukanx/backend/internal/sync/archive"
	"github.com/dukanx/backend/internal/sync/maintenance"
	"github.com/dukanx/backend/internal/sync/remote"
	"github.com/dukanx/backend/internal/sync/scheduler"
)

// HTTPTokenAccount is the credential store account of the HTTP remote token.
const HTTPTokenAccount = "remote/http"

// App holds the wired components. Archiver is nil when archiving is
// disabled.
type App struct {
	Config      *config.Config
	DB          *db.DB
	Store       *db.QueueStore
	Remote      dsync.RemoteSyncTarget
	Manager     *dsync.Manager
	Scheduler   *scheduler.Scheduler
	Archiver    *archive.Archiver
	Maintenance *maintenance.Maintainer
}

// Option customizes Build.
type Option func(*options)

type options struct {
	remote  dsync.RemoteSyncTarget
	manager []dsync.Option
}

// WithRemote replaces the configured remote.
func WithRemote(r dsync.RemoteSyncTarget) Option {
	return func(o *options) { o.remote = r }
}

// WithManagerOptions passes options through to the sync Manager.
func WithManagerOptions(opts ...dsync.Option) Option {
	return func(o *options) { o.manager = append(o.manager, opts...) }
}

// InitLogging configures the global logger from cfg.
func InitLogging(cfg config.LogConfig) error {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	if cfg.File == "" {
		logging.Init(os.Stdout, level)
		return nil
	}
	logging.InitFile(logging.FileConfig{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, level)
	return nil
}

// Build opens the database and wires every component. The scheduler is
// created but not started.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open database", err)
	}
	a := &App{Config: cfg, DB: database, Store: db.NewQueueStore(database.DB)}

	a.Remote = o.remote
	if a.Remote == nil {
		if a.Remote, err = NewRemote(ctx, cfg); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.Manager = dsync.NewManager(a.Remote, o.manager...)
	if err := a.Manager.Initialize(a.Store, cfg.SyncSettings()); err != nil {
		_ = a.Close()
		return nil, err
	}
	sched := cfg.Scheduler
	a.Scheduler = scheduler.NewScheduler(a.Manager, &sched)

	store, err := NewArchiveStore(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	var exporter maintenance.Exporter
	if store != nil {
		a.Archiver = archive.NewArchiver(store)
		exporter = a.Archiver
	}
	a.Maintenance, err = maintenance.New(a.Manager, exporter, cfg.Maintenance)
	if err != nil {
		_ = a.Close()
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "maintenance", err)
	}

	logging.Info("Application wired", map[string]interface{}{
		"data_dir": cfg.DataDir,
		"remote":   cfg.Remote.Kind,
		"archive":  cfg.Archive.Kind,
	})
	return a, nil
}

// Start starts the connectivity scheduler and queue maintenance.
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start(ctx)
	a.Maintenance.Start(ctx)
}

// Close stops every component in reverse order of construction.
func (a *App) Close() error {
	if a.Maintenance != nil {
		a.Maintenance.Stop()
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Manager != nil {
		a.Manager.Dispose()
	}
	var firstErr error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			firstErr = err
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewRemote builds the remote replica selected by cfg.Remote.Kind.
func NewRemote(ctx context.Context, cfg *config.Config) (dsync.RemoteSyncTarget, error) {
	switch cfg.Remote.Kind {
	case config.RemoteMemory:
		logging.Warn("Using in-memory remote, writes are not replicated off this machine")
		return remote.NewMemoryTarget(), nil
	case config.RemoteHTTP:
		token, err := httpToken(cfg)
		if err != nil {
			return nil, err
		}
		t, err := remote.NewHTTPTarget(remote.HTTPConfig{
			BaseURL: cfg.Remote.HTTP.BaseURL,
			Token:   token,
			Timeout: cfg.Remote.HTTP.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.RemoteDynamoDB:
		t, err := remote.NewDynamoTarget(ctx, cfg.Remote.DynamoDB)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, apperrors.Newf(apperrors.ErrSyncNotConfigured, "unknown remote kind %q", cfg.Remote.Kind)
}

// httpToken decrypts the configured token, falling back to the
// credential store. A missing token is allowed.
func httpToken(cfg *config.Config) (string, error) {
	machineID := crypto.MachineID(cfg.Remote.HTTP.MachineID)
	if cfg.Remote.HTTP.TokenEncrypted != "" {
		return crypto.DecryptToken(cfg.Remote.HTTP.TokenEncrypted, machineID)
	}
	token, err := crypto.NewCredentialStore(cfg.DataDir, machineID).Get(HTTPTokenAccount)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		logging.Warn("No HTTP remote token configured")
		return "", nil
	}
	return token, err
}

// NewArchiveStore builds the dead-letter object store. It returns nil
// when archiving is disabled.
func NewArchiveStore(ctx context.Context, cfg *config.Config) (archive.ObjectStore, error) {
	switch cfg.Archive.Kind {
	case config.ArchiveNone:
		return nil, nil
	case config.ArchiveFile:
		return archive.NewFileStore(cfg.ArchiveDir()), nil
	case config.ArchiveS3:
		s, err := archive.NewS3Store(ctx, cfg.Archive.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown archive kind %q", cfg.Archive.Kind)
}
