// Package app assembles the engine and its dependencies from configuration. The server and the
// operator CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kkkkikiki/giftcard/internal/config"
	"github.com/kkkkikiki/giftcard/internal/database"
	"github.com/kkkkikiki/giftcard/internal/lock"
	"github.com/kkkkikiki/giftcard/internal/logic"
	"github.com/kkkkikiki/giftcard/internal/mailer"
	"github.com/kkkkikiki/giftcard/internal/model"
	"github.com/kkkkikiki/giftcard/internal/service"
)

// App holds the wired components for one pool catalog
type App struct {
	Config      *config.Config
	Catalog     *model.Catalog
	DB          *database.DB
	Engine      *service.RewardEngine
	Coordinator *service.Coordinator

	closers []func() error
}

// New loads the catalog, connects the database and builds the engine
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	catalog, err := config.LoadCatalog(cfg.App.CatalogPath)
	if err != nil {
		return nil, err
	}

	db, err := database.NewDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Catalog: catalog, DB: db}
	a.closers = append(a.closers, db.Close)

	locker, closeLock, err := NewLocker(ctx, cfg, db, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeLock != nil {
		a.closers = append(a.closers, closeLock)
	}

	a.Engine = service.NewRewardEngine(db.SQL, catalog, logic.NewEvaluator(), locker, NewMailer(cfg, logger), service.Options{
		LockTimeout: cfg.Lock.Timeout,
		Location:    cfg.Schedule.Location(),
		Logger:      logger,
	})
	a.Coordinator = service.NewCoordinator(a.Engine, cfg.App.SweepRate, logger)

	logger.Info("reward engine ready",
		slog.String("pool", catalog.Pool.ID),
		slog.String("project", catalog.Pool.ProjectID),
		slog.Int("programs", len(catalog.Programs)),
		slog.String("lock", cfg.Lock.Backend))
	return a, nil
}

// Close releases everything New opened, in reverse order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewLocker builds the configured reservation lock. The returned close function may be nil.
func NewLocker(ctx context.Context, cfg *config.Config, db *database.DB, logger *slog.Logger) (lock.DistributedLock, func() error, error) {
	switch cfg.Lock.Backend {
	case "memory":
		if cfg.App.IsProduction() {
			return nil, nil, fmt.Errorf("lock backend memory is not allowed in production")
		}
		logger.Warn("using in-process reservation lock; run a single instance only")
		return lock.NewMemoryLock(), nil, nil
	case "postgres":
		if !db.IsPostgres() {
			return nil, nil, fmt.Errorf("lock backend postgres requires the postgres database driver, got %s", db.SQL.DriverName())
		}
		return lock.NewPostgresLock(db.SQL), nil, nil
	case "redis":
		client, err := lock.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return lock.NewRedisLock(client, cfg.Lock.TTL), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
}

// NewMailer returns an SMTP mailer, or a logging mailer when no SMTP host is configured
func NewMailer(cfg *config.Config, logger *slog.Logger) mailer.Mailer {
	if cfg.Mail.Host == "" {
		logger.Warn("MAIL_HOST not set; emails will be logged, not sent")
		return &mailer.LogMailer{Logger: logger}
	}
	return mailer.NewSMTPMailer(mailer.SMTPConfig{
		Host:        cfg.Mail.Host,
		Port:        cfg.Mail.Port,
		Username:    cfg.Mail.Username,
		Password:    cfg.Mail.Password,
		DefaultFrom: cfg.Mail.From,
	})
}
