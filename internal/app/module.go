package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dmelo/chirp/internal/bus"
	"github.com/dmelo/chirp/internal/config"
	"github.com/dmelo/chirp/internal/lock"
	"github.com/dmelo/chirp/internal/logging"
	"github.com/dmelo/chirp/internal/pager"
	"github.com/dmelo/chirp/internal/registry"
	"github.com/dmelo/chirp/internal/rest"
	"github.com/dmelo/chirp/internal/send"
	"github.com/dmelo/chirp/internal/session"
	"github.com/dmelo/chirp/internal/status"
	"github.com/dmelo/chirp/internal/store"
	intsync "github.com/dmelo/chirp/internal/sync"
	"github.com/dmelo/chirp/internal/tui"
	"github.com/dmelo/chirp/internal/upload"
	"github.com/dmelo/chirp/internal/ws"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module composes all providers and lifecycle hooks for the client.
func Module(p Params) fx.Option {
	return fx.Module("chirp",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRegistry,
			provideRestClient,
			provideUploadPipeline,
			provideRouter,
			provideSender,
			provideSyncEngine,
			providePager,
			provideApp,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("server", cfg.Server.BaseURL))
	return cfg, nil
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
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("session", p.SessionName))
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRegistry(cfg *config.Config, logger *zap.Logger) *registry.Registry {
	return registry.New(cfg.Server.UserID, logger)
}

func provideRestClient(cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg, logger)
}

func provideUploadPipeline(cfg *config.Config, client *rest.Client, logger *zap.Logger) *upload.Pipeline {
	return upload.NewPipeline(cfg, client, logger)
}

func provideRouter(cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *ws.Router {
	return ws.NewRouter(cfg, b, m, logger)
}

func provideSender(cfg *config.Config, reg *registry.Registry, db *store.DB, router *ws.Router, m *status.Machine, b *bus.Bus, logger *zap.Logger) *send.Sender {
	return send.NewSender(cfg.Server.UserID, reg, db, router, m, b, cfg.AckTimeout(), logger)
}

func provideSyncEngine(cfg *config.Config, b *bus.Bus, reg *registry.Registry, db *store.DB, client *rest.Client, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(cfg.Server.UserID, b, reg, db, nil, client, logger)
}

func providePager(cfg *config.Config, reg *registry.Registry, engine *intsync.Engine, logger *zap.Logger) *pager.Controller {
	return pager.NewController(cfg, reg, engine, logger)
}

func provideApp(p Params, cfg *config.Config, reg *registry.Registry, router *ws.Router, ctrl *pager.Controller, sender *send.Sender, engine *intsync.Engine, uploads *upload.Pipeline, b *bus.Bus, logger *zap.Logger) *tui.App {
	return tui.NewApp(tui.Deps{
		SessionName: p.SessionName,
		Registry:    reg,
		Router:      router,
		Pager:       ctrl,
		Sender:      sender,
		Engine:      engine,
		Uploads:     uploads,
		Bus:         b,
		SelfID:      cfg.Server.UserID,
		Logger:      logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, ui *tui.App, router *ws.Router, engine *intsync.Engine, sender *send.Sender, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The pager runs through the UI thread facade so viewport reads
			// and writes stay on the render goroutine.
			engine.SetPager(ui.UIPager())

			if err := engine.Bootstrap(); err != nil {
				logger.Warn("cache bootstrap failed", zap.Error(err))
			}
			engine.Start()
			sender.Start()
			router.Start(context.Background())
			logger.Info("client started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			router.Stop()
			sender.Stop()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("close cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("release lock", zap.Error(err))
			}
			logger.Info("client stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
