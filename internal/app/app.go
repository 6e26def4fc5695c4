// Package app assembles the service components from configuration. The
// server, worker and notifyctl binaries share it so they agree on keys,
// policies and backends.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/config"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/dispatch"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/distlock"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/ratelimit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/repository/kv"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/repository/postgres"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/bounce"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/notify"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/retry"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

// App holds the wired components.
type App struct {
	Config *config.Config
	Store  store.Store
	// DB is nil unless suppressions live in PostgreSQL.
	DB *sql.DB

	Limiter      *ratelimit.Limiter
	Abuse        *ratelimit.AbuseTracker
	Suppressions *suppression.Service
	Audit        *audit.Log
	Dispatch     *dispatch.Router
	Retries      *retry.Scheduler
	Snapshots    *notify.SnapshotStore
	Classifier   *bounce.Classifier
	Sender       *notify.Sender
}

// LoadConfig reads path when it exists and falls back to defaults plus
// environment overrides otherwise.
func LoadConfig(path string) (*config.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Info("config file not found, using defaults", "path", path)
			path = ""
		}
	}
	return config.LoadFromEnv(path)
}

// ConfigureLogging applies the logging section to the package logger.
func ConfigureLogging(cfg *config.Config, service string) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())
	logger.SetService(service)
}

// Build connects the backends and wires every component. The caller owns
// the result and must Close it.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg}

	var locks distlock.Factory
	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("using in-memory store, quotas and retries are not shared between instances")
		a.Store = store.NewMemoryStore()
		locks = distlock.NewLocalFactory()
	default:
		rs, err := store.Connect(ctx, store.RedisOptions{
			URL:          cfg.Store.Redis.URL,
			Prefix:       cfg.Store.Redis.Prefix,
			ConnectTries: cfg.Store.Redis.ConnectTries,
		})
		if err != nil {
			return nil, err
		}
		a.Store = rs
		locks = distlock.NewFactory(rs.Client(), cfg.Store.Redis.Prefix+":lock")
	}

	var (
		repo      suppression.Repository
		auditRepo audit.Repository
	)
	switch cfg.Suppression.Backend {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Postgres.URL, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.DB = db
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			a.Close()
			return nil, err
		}
		repo = postgres.NewSuppressionRepo(db)
		auditRepo = postgres.NewAuditRepo(db)
		logger.Info("suppression registry backed by postgres")
	default:
		repo = kv.NewSuppressionRepo(a.Store)
		auditRepo = kv.NewAuditRepo(a.Store)
	}

	a.Limiter = ratelimit.NewLimiter(a.Store, policies)
	a.Abuse = ratelimit.NewAbuseTracker(a.Store)
	a.Audit = audit.NewLog(auditRepo)
	a.Suppressions = suppression.NewService(repo,
		suppression.WithDefaultTTLs(cfg.Suppression.DefaultTTLs()),
		suppression.WithAudit(a.Audit))

	a.Dispatch, err = dispatch.NewFromConfig(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay(),
		RetryWindow: cfg.Retry.RetryWindow(),
		Schedule:    cfg.Retry.Schedule(),
	}
	if err := policy.Validate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	a.Retries = retry.NewScheduler(a.Store, a.Suppressions, a.Dispatch,
		retry.WithPolicy(policy),
		retry.WithLocks(locks),
		retry.WithTimings(cfg.Retry.Grace(), cfg.Retry.LockTTL(), cfg.Retry.SweepInterval()),
	)

	a.Snapshots = notify.NewSnapshotStore(a.Store, policy.RetryWindow)
	a.Classifier = bounce.NewClassifier(a.Store, a.Suppressions, a.Retries, bounce.WithSnapshots(a.Snapshots))
	a.Sender = notify.NewSender(a.Limiter, a.Abuse, a.Suppressions, a.Dispatch, a.Snapshots)
	return a, nil
}

// Close releases the backends.
func (a *App) Close() error {
	var errs []error
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
