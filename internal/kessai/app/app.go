// Package app wires the Kessai approval service together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Treynis/ejbca/common/seal"
	"github.com/Treynis/ejbca/common/version"
	"github.com/Treynis/ejbca/internal/kessai/api"
	"github.com/Treynis/ejbca/internal/kessai/approvals"
	"github.com/Treynis/ejbca/internal/kessai/audit"
	"github.com/Treynis/ejbca/internal/kessai/authz"
	"github.com/Treynis/ejbca/internal/kessai/caselock"
	"github.com/Treynis/ejbca/internal/kessai/chatops"
	"github.com/Treynis/ejbca/internal/kessai/config"
	"github.com/Treynis/ejbca/internal/kessai/matrix"
	"github.com/Treynis/ejbca/internal/kessai/metrics"
	"github.com/Treynis/ejbca/internal/kessai/notify"
	"github.com/Treynis/ejbca/internal/kessai/profile"
	"github.com/Treynis/ejbca/internal/kessai/ra"
	"github.com/Treynis/ejbca/internal/kessai/store"
)

// App is the running approval service.
type App struct {
	config   *Config
	store    *store.Store
	settings *config.Reloader
	engine   *approvals.Engine
	server   *api.Server
	matrix   *matrix.Client
	chat     *chatops.Handler
	redis    *caselock.Redis
	metrics  *metrics.Recorder

	stopOnce sync.Once
}

// New opens the database, loads the profile and access rule documents and
// builds every component. Nothing is started.
func New(ctx context.Context, cfg *Config) (*App, error) {
	slog.Info("opening database", "driver", cfg.Database.Dialect)
	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &App{config: cfg, store: db}
	if err := a.build(ctx); err != nil {
		a.Stop()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.config

	rules, err := authz.LoadFile(cfg.AccessRulesPath)
	if err != nil {
		return fmt.Errorf("failed to load access rules: %w", err)
	}
	profiles, err := profile.LoadFile(cfg.ProfilesPath, rules)
	if err != nil {
		return fmt.Errorf("failed to load approval profiles: %w", err)
	}
	slog.Info("approval profiles loaded", "profiles", profiles.IDs())

	settingsStore := config.New(a.store)
	a.settings, err = config.NewReloader(ctx, settingsStore, cfg.SettingsReload)
	if err != nil {
		return fmt.Errorf("failed to load runtime settings: %w", err)
	}

	var storeOpts []approvals.StoreOption
	if len(cfg.SealKey) > 0 {
		sealer, err := seal.New(cfg.SealKey)
		if err != nil {
			return fmt.Errorf("failed to initialize action sealing: %w", err)
		}
		storeOpts = append(storeOpts, approvals.WithSealer(sealer))
		slog.Info("stored actions are sealed")
	}

	var locker approvals.Locker = caselock.NewLocal()
	if cfg.RedisAddr != "" {
		a.redis = caselock.NewRedisFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, caselock.RedisConfig{TTL: cfg.LockTTL})
		if err := a.redis.Ping(ctx); err != nil {
			return err
		}
		locker = a.redis
		slog.Info("using shared case lock", "redis", cfg.RedisAddr)
	}

	a.metrics = metrics.New()

	auditLog := audit.Multi{audit.NewSQLLog(a.store)}
	var notifier approvals.Notifier = notify.Noop{}
	if cfg.Matrix.Homeserver != "" {
		mcfg := cfg.Matrix
		mcfg.DB = a.store
		slog.Info("connecting to Matrix", "homeserver", mcfg.Homeserver)
		a.matrix, err = matrix.New(mcfg)
		if err != nil {
			return fmt.Errorf("failed to initialize Matrix client: %w", err)
		}
		if cfg.AuditRoomID != "" {
			auditLog = append(auditLog, audit.NewRoomLog(a.matrix, cfg.AuditRoomID))
		}
		if cfg.NotifyRoomID != "" {
			notifier = notify.NewMatrixNotifier(a.matrix, cfg.NotifyRoomID)
		}
	}

	a.engine, err = approvals.NewEngine(approvals.Config{
		Store:      approvals.NewStore(a.store, storeOpts...),
		Authorizer: rules,
		Profiles:   profiles,
		Executors: approvals.Executors{
			CAToken:     ra.NewCATokens(a.store),
			EndEntities: ra.NewRegistry(a.store),
		},
		Locker:   locker,
		Settings: a.settings,
		Notifier: notifier,
		Audit:    auditLog,
		Observer: a.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize approval engine: %w", err)
	}

	if a.matrix != nil {
		a.chat = chatops.NewHandler(a.engine, rules, a.matrix)
	}

	verifier, err := api.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}
	a.server, err = api.NewServer(api.Config{
		Addr:          cfg.HTTPAddr,
		Engine:        a.engine,
		Verifier:      verifier,
		Settings:      settingsStore,
		Authorizer:    rules,
		Metrics:       a.metrics.Handler(),
		Observer:      a.metrics,
		Status:        a.store,
		RatePerSecond: float64(cfg.RateLimit),
		RateBurst:     cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}
	return nil
}

// Engine returns the approval engine.
func (a *App) Engine() *approvals.Engine { return a.engine }

// Handler returns the API router.
func (a *App) Handler() http.Handler { return a.server }

// Run starts the API server, the Matrix client and the maintenance loops,
// then blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return err
	}

	if a.matrix != nil {
		slog.Info("starting Matrix sync")
		if err := a.matrix.Start(ctx, a.chat.HandleMessage); err != nil {
			return fmt.Errorf("failed to start Matrix client: %w", err)
		}
		if room := a.config.NotifyRoomID; room != "" {
			if err := a.matrix.SendNotice(room, "Kessai approval service started ("+version.Version+")."); err != nil {
				slog.Warn("failed to post startup notice", "room", room, "err", err)
			}
		}
	}

	go a.settings.Run(ctx)
	go a.purgeLoop(ctx)

	slog.Info("Kessai is running", "version", version.Version, "addr", a.config.HTTPAddr)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func (a *App) purgeLoop(ctx context.Context) {
	interval := a.config.PurgeInterval
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Purge(ctx)
		}
	}
}

// Purge removes cases whose cleanup time is older than the configured
// retention.
func (a *App) Purge(ctx context.Context) int64 {
	n, err := a.engine.Purge(ctx, a.config.PurgeRetention)
	if err != nil {
		slog.Warn("failed to purge finished cases", "err", err)
		return 0
	}
	return n
}

// Stop releases every resource. It is safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		if a.server != nil {
			slog.Info("stopping API server")
			a.server.Stop()
		}
		if a.matrix != nil {
			slog.Info("stopping Matrix client")
			a.matrix.Stop()
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				slog.Warn("failed to close Redis client", "err", err)
			}
		}
		slog.Info("closing database")
		if err := a.store.Close(); err != nil {
			slog.Warn("failed to close database", "err", err)
		}
	})
}
