package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/contacts"
	"github.com/matheus3301/chatsync/internal/lifecycle"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	Debug      bool
	Quiet      bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideContacts,
			provideBackend,
			provideTransport,
			provideState,
			provideEngine,
			provideQueue,
			provideCoordinator,
			provideSession,
			provideSessionService,
			provideSyncService,
			provideChatService,
			provideMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Profile, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return config.LoadProfile(profile.ConfigFile(p.Profile))
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    profile.LogPath(p.Profile),
		Profile: p.Profile,
		Debug:   p.Debug,
		Quiet:   p.Quiet,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second
// daemon. Init runs on start.
func provideStore(p Params, cfg *config.Profile, logger *zap.Logger, _ *lock.Lock) *store.Store {
	return store.New(profile.DBPath(p.Profile), logger, cfg.Sync.StoreOpTimeout.Duration)
}

func provideContacts(cfg *config.Profile, logger *zap.Logger) *contacts.Cache {
	c := contacts.NewCache(cfg.Contacts.DefaultCountryCode, logger)
	n, err := c.LoadFile(cfg.Contacts.File)
	if err != nil {
		logger.Warn("contacts file not loaded", zap.Error(err))
	} else if n > 0 {
		logger.Info("contacts loaded", zap.Int("count", n))
	}
	return c
}

func provideBackend(cfg *config.Profile, logger *zap.Logger) *backend.Client {
	return backend.New(cfg.Server.BaseURL, logging.Named(logger, "backend"))
}

func provideTransport(cfg *config.Profile, machine *status.Machine, logger *zap.Logger) *realtime.Transport {
	return realtime.New(realtime.Config{
		URL:                  cfg.Server.WSURL,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Realtime.ReconnectDelay.Duration,
		MaxReconnectDelay:    cfg.Realtime.MaxReconnectDelay.Duration,
		PingInterval:         cfg.Realtime.PingInterval.Duration,
	}, machine, logger)
}

func provideState(b *bus.Bus) *state.State {
	return state.New(b)
}

func provideEngine(st *store.Store, api *backend.Client, view *state.State, b *bus.Bus, cfg *config.Profile, cc *contacts.Cache, logger *zap.Logger) *chatsync.Engine {
	return chatsync.NewEngine(st, api, view, b, chatsync.Options{
		UserID:                 cfg.Server.UserID,
		Contacts:               cc,
		FetchAttempts:          cfg.Sync.FetchAttempts,
		FetchBaseDelay:         cfg.Sync.FetchBaseDelay.Duration,
		MessageSyncChats:       cfg.Sync.MessageSyncChats,
		MessageSyncConcurrency: cfg.Sync.MessageSyncConcurrency,
		MessagePageSize:        cfg.Sync.MessagePageSize,
	}, logger)
}

func provideQueue(st *store.Store, api *backend.Client, view *state.State, b *bus.Bus, rt *realtime.Transport, cfg *config.Profile, logger *zap.Logger) *outbox.Queue {
	q := outbox.New(st, api, view, b, outbox.Options{
		UserID:       cfg.Server.UserID,
		MaxRetries:   cfg.Queue.MaxRetries,
		BaseDelay:    cfg.Queue.BaseDelay.Duration,
		PollInterval: cfg.Queue.PollInterval.Duration,
	}, logger)
	q.SetRealtime(rt)
	return q
}

func provideCoordinator(st *store.Store, engine *chatsync.Engine, rt *realtime.Transport, q *outbox.Queue, view *state.State, cfg *config.Profile, logger *zap.Logger) *lifecycle.Coordinator {
	return lifecycle.New(st, engine, rt, q, view, lifecycle.Options{
		StoreReadyTimeout:  cfg.Sync.StoreReadyTimeout.Duration,
		BackgroundInterval: cfg.Sync.BackgroundInterval.Duration,
		DisconnectGrace:    cfg.Realtime.DisconnectGrace.Duration,
	}, logger)
}

func provideSession(p Params, cfg *config.Profile, api *backend.Client, rt *realtime.Transport, engine *chatsync.Engine, q *outbox.Queue, coord *lifecycle.Coordinator, logger *zap.Logger) *Session {
	s := NewSession(profile.ConfigFile(p.Profile), cfg,
		[]Credentials{api, rt},
		[]UserSetter{engine, q},
		logging.Named(logger, "session"))
	s.OnChange(rt, func(ctx context.Context) { coord.Foreground(ctx) })
	return s
}

func provideSessionService(p Params, m *status.Machine, st *store.Store, engine *chatsync.Engine, coord *lifecycle.Coordinator, sess *Session) *api.SessionService {
	return api.NewSessionService(p.Profile, m, st, engine, coord, sess)
}

func provideSyncService(p Params, engine *chatsync.Engine, b *bus.Bus) *api.SyncService {
	return api.NewSyncService(engine, b, p.Profile)
}

func provideChatService(st *store.Store, engine *chatsync.Engine, client *backend.Client, coord *lifecycle.Coordinator) *api.ChatService {
	return api.NewChatService(st, engine, client, coord)
}

func provideMessageService(st *store.Store, q *outbox.Queue, rt *realtime.Transport) *api.MessageService {
	return api.NewMessageService(st, q, rt)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, st *store.Store, engine *chatsync.Engine, rt *realtime.Transport, coord *lifecycle.Coordinator, _ *Session, logger *zap.Logger) {
	var detach func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			// Readiness is awaited by the components that need the store.
			go func() {
				if _, err := st.Init(ctx); err != nil {
					logger.Error("store init failed", zap.Error(err))
				}
			}()

			engine.Start(ctx)
			detach = engine.Attach(ctx, rt)

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			return coord.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			coord.Stop()
			if detach != nil {
				detach()
			}
			engine.Stop()
			if err := st.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
