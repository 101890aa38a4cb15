// Package app composes the client: config, logging, cache, transports, the
// sync core, and the TUI, wired together with fx.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/config"
	"github.com/matheus3301/parley/internal/convo"
	"github.com/matheus3301/parley/internal/delivery"
	"github.com/matheus3301/parley/internal/engine"
	"github.com/matheus3301/parley/internal/lock"
	"github.com/matheus3301/parley/internal/logging"
	"github.com/matheus3301/parley/internal/push"
	"github.com/matheus3301/parley/internal/receipt"
	"github.com/matheus3301/parley/internal/session"
	"github.com/matheus3301/parley/internal/status"
	"github.com/matheus3301/parley/internal/subs"
	"github.com/matheus3301/parley/internal/tui"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the client, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("parley",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideAPIClient,
			providePushChannel,
			provideStore,
			provideRegistry,
			provideReceipts,
			provideTracker,
			provideOrchestrator,
			provideTUI,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
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

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAPIClient(cfg *config.Config, logger *zap.Logger) (*api.Client, error) {
	return api.New(api.Config{
		BaseURL: cfg.ServerURL,
		Token:   cfg.Token,
		SelfID:  cfg.UserID,
	}, logger)
}

func providePushChannel(cfg *config.Config, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *push.Channel {
	return push.NewChannel(cfg.PushURL, cfg.Token, b, machine, logger)
}

func provideStore() *convo.Store {
	return convo.NewStore()
}

func provideRegistry(ch *push.Channel, logger *zap.Logger) *subs.Registry {
	return subs.NewRegistry(ch, logger)
}

func provideReceipts(store *convo.Store, client *api.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *receipt.Coordinator {
	return receipt.NewCoordinator(store, client, b, cfg.UserID, logger)
}

func provideTracker(client *api.Client, store *convo.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *delivery.Tracker {
	return delivery.NewTracker(client, store, b, cfg.UserID, logger)
}

func provideOrchestrator(store *convo.Store, client *api.Client, tracker *delivery.Tracker,
	receipts *receipt.Coordinator, registry *subs.Registry, db *cache.DB,
	b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *engine.Orchestrator {
	return engine.New(store, client, tracker, receipts, registry, db, b, machine, cfg.UserID, logger)
}

func provideTUI(p Params, orch *engine.Orchestrator, store *convo.Store, tracker *delivery.Tracker,
	b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *tui.App {
	return tui.NewApp(orch, store, tracker, b, machine, p.SessionName, cfg.UserID, logger)
}

func registerLifecycle(lc fx.Lifecycle, channel *push.Channel, orch *engine.Orchestrator,
	db *cache.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			channel.Start(context.Background())
			return orch.Activate(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			orch.Deactivate()
			channel.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
