package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/repository"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/settings"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	deltasync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Config      *config.Session
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideMetrics,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideRepository,
			provideScheduler,
			provideSettings,
			provideAPI,
			provideAdmin,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.DirLock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the store is never opened by a second daemon.
func provideStore(p Params, _ *lock.DirLock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.StorePath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	if err := db.SetIdentity(p.Config.UserID); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(p Params, logger *zap.Logger, m *metrics.Metrics) (*remote.Client, error) {
	return remote.New(p.Config.RemoteURL, p.Config.Token, logger, m)
}

func syncConfig(c config.SyncConfig) deltasync.Config {
	cfg := deltasync.DefaultConfig()
	if c.MinBackoff.Duration > 0 {
		cfg.MinBackoff = c.MinBackoff.Duration
	}
	if c.MaxBackoff.Duration > 0 {
		cfg.MaxBackoff = c.MaxBackoff.Duration
	}
	if c.PollInterval.Duration > 0 {
		cfg.PollInterval = c.PollInterval.Duration
	}
	if c.TriggerRate > 0 {
		cfg.TriggerRate = rate.Limit(c.TriggerRate)
	}
	if c.TriggerBurst > 0 {
		cfg.TriggerBurst = c.TriggerBurst
	}
	return cfg
}

func provideRepository(p Params, db *store.DB, rc *remote.Client, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *repository.Repository {
	return repository.New(db, rc, b, m, logger, syncConfig(p.Config.Sync))
}

func provideScheduler(p Params, logger *zap.Logger) *settings.WorkScheduler {
	cfg := settings.DefaultSchedulerConfig()
	s := p.Config.Settings
	cfg.Cron = s.PeriodicCron
	if s.Debounce.Duration > 0 {
		cfg.Debounce = s.Debounce.Duration
	}
	if s.RetryBackoff.Duration > 0 {
		cfg.RetryBackoff = s.RetryBackoff.Duration
	}
	if s.MaxRetryBackoff.Duration > 0 {
		cfg.MaxBackoff = s.MaxRetryBackoff.Duration
	}
	return settings.NewWorkScheduler(cfg, logger)
}

func provideSettings(db *store.DB, rc *remote.Client, sched *settings.WorkScheduler, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *settings.Service {
	return settings.NewService(db, rc, sched, b, m, logger)
}

func provideAPI(p Params, db *store.DB, repo *repository.Repository, svc *settings.Service, machine *status.Machine, b *bus.Bus, rc *remote.Client, logger *zap.Logger) *api.Service {
	return api.NewService(api.Identity{Session: p.SessionName, UserID: p.Config.UserID}, db, repo, svc, machine, b, rc, logger)
}

func provideAdmin(p Params, m *metrics.Metrics, machine *status.Machine, repo *repository.Repository, rc *remote.Client, logger *zap.Logger) *AdminServer {
	return NewAdminServer(p, m, machine, repo.Loop(), rc, logger)
}

// components groups what the lifecycle hooks start and stop.
type components struct {
	fx.In

	Params    Params
	Server    *Server
	Admin     *AdminServer
	Lock      *lock.DirLock
	DB        *store.DB
	Remote    *remote.Client
	Repo      *repository.Repository
	Scheduler *settings.WorkScheduler
	Settings  *settings.Service
	Machine   *status.Machine
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)
	logger := c.Logger
	userID := c.Params.Config.UserID

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Status first, so the first round is observed.
			wg.Go(func() {
				status.Drive(ctx, c.Machine, c.Bus, c.Remote.ConnectionState(ctx), logger.Named("status"))
			})
			wg.Go(func() {
				for s := range c.Remote.ConnectionState(ctx) {
					c.Bus.Emit(bus.ConnectionChanged, s)
				}
			})

			if err := c.Repo.Start(ctx); err != nil {
				cancel()
				return err
			}
			if err := c.Scheduler.Start(ctx, c.Settings); err != nil {
				cancel()
				return err
			}

			wg.Go(func() {
				c.Remote.RunPush(ctx, func(e remote.PushEvent) {
					if e.Type == remote.EventDeltasAvailable {
						c.Repo.Loop().Trigger()
					}
				})
			})
			wg.Go(func() { bootstrapSettings(ctx, c.Settings, userID, logger) })

			if err := c.Admin.Start(); err != nil {
				cancel()
				return err
			}
			go func() {
				if err := c.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Server.Stop(ctx)
			c.Admin.Stop(ctx)
			c.Scheduler.Stop()
			c.Repo.Stop()
			if cancel != nil {
				cancel()
			}
			wg.Wait()
			if err := c.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// bootstrapSettings recovers the session user's settings on first start and
// otherwise refreshes them from the remote.
func bootstrapSettings(ctx context.Context, svc *settings.Service, userID string, logger *zap.Logger) {
	rows, err := svc.Rows(userID)
	if err != nil {
		logger.Warn("reading settings failed", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		err = svc.Recover(ctx, userID)
	} else {
		err = svc.Refresh(ctx, userID)
	}
	switch {
	case err == nil:
	case errors.Is(err, model.ErrSettingsResetToDefaults):
		logger.Warn("settings reset to defaults", zap.String("user_id", userID))
	case ctx.Err() != nil:
	default:
		logger.Warn("settings bootstrap failed", zap.String("user_id", userID), zap.Error(err))
	}
}
