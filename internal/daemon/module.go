package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mvieira99/inboxsync/internal/api"
	"github.com/mvieira99/inboxsync/internal/bus"
	"github.com/mvieira99/inboxsync/internal/cache"
	"github.com/mvieira99/inboxsync/internal/config"
	"github.com/mvieira99/inboxsync/internal/lock"
	"github.com/mvieira99/inboxsync/internal/logging"
	"github.com/mvieira99/inboxsync/internal/profile"
	"github.com/mvieira99/inboxsync/internal/realtime"
	"github.com/mvieira99/inboxsync/internal/status"
	"github.com/mvieira99/inboxsync/internal/store"
	"github.com/mvieira99/inboxsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account name passed to the fx module.
type Params struct {
	AccountName string
}

// Module returns the fx module for the sync daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideAccount,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideAPIClient,
			provideTransport,
			provideRealtime,
			provideStore,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideAccount(p Params) (*config.Account, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	return cfg.AccountByName(p.AccountName)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.AccountName), p.AccountName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.AccountName); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.AccountName))
	l, err := lock.Acquire(profile.Dir(p.AccountName))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := profile.CacheDBPath(p.AccountName)
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
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAPIClient(acct *config.Account, logger *zap.Logger) *api.Client {
	token := acct.Token
	return api.New(acct.APIBaseURL, acct.ID, func() string { return token }, logger)
}

func provideTransport(acct *config.Account, machine *status.Machine, logger *zap.Logger) *transport.Client {
	token := acct.Token
	return transport.New(transport.Config{
		BaseURL:           acct.WSBaseURL,
		AccountID:         acct.ID,
		Token:             func() string { return token },
		HeartbeatInterval: time.Duration(acct.HeartbeatSeconds) * time.Second,
		ReconnectBase:     time.Duration(acct.ReconnectBaseMillis) * time.Millisecond,
		ReconnectMax:      time.Duration(acct.ReconnectMaxSeconds) * time.Second,
		MaxAttempts:       acct.MaxReconnectAttempts,
		AutoReconnect:     true,
	}, machine, logger)
}

func provideRealtime(t *transport.Client, b *bus.Bus, logger *zap.Logger) *realtime.Client {
	return realtime.New(t, b, logger)
}

func provideStore(apiClient *api.Client, rt *realtime.Client, db *cache.DB, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(apiClient, rt, db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, t *transport.Client, rt *realtime.Client, st *store.Store, db *cache.DB, lk *lock.Lock, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Warm-load the cached snapshot so consumers see data
			// before the first refresh completes.
			st.LoadSnapshot()

			// Route inbound frames into the sync layer, then start the
			// store's bus subscription before the socket opens.
			st.Start(context.Background())
			t.SetFrameHandler(rt.HandleFrame)
			t.Connect()

			go func() {
				if err := st.Refresh(context.Background()); err != nil {
					logger.Warn("initial refresh failed", zap.Error(err))
				}
			}()

			// A resumed process reconnects immediately instead of
			// waiting out the backoff.
			signal.Notify(sigCh, syscall.SIGCONT)
			go func() {
				for {
					select {
					case <-sigCh:
						logger.Info("resume signal received")
						t.Wake()
					case <-done:
						return
					}
				}
			}()

			return nil
		},
		OnStop: func(_ context.Context) error {
			signal.Stop(sigCh)
			close(done)
			rt.Close()
			t.Disconnect()
			st.Stop()
			_ = db.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
