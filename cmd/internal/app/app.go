// Package app wires the Secrets server runtime: config, logging, stores,
// the auth API, the live feed and the HTTP server lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"secrets/cmd/identity"
	"secrets/cmd/internal/auth"
	authapi "secrets/cmd/internal/auth/api"
	"secrets/cmd/internal/auth/federated"
	"secrets/cmd/internal/auth/session"
	"secrets/cmd/internal/metrics"
	"secrets/cmd/internal/realtime"
	"secrets/cmd/security/password"
	"secrets/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App is the Secrets runtime. It owns every store and pool it opens and
// closes them on shutdown.
type App struct {
	cfg Config
	log Logger

	metrics *metrics.Registry

	identities   identity.Store
	sessionStore session.Store
	sessions     *session.Service

	dbPool *pgxpool.Pool
	redis  *redis.Client

	auth *authapi.Handler
	hub  *realtime.Hub
	feed *realtime.Gateway

	closers []func() error
}

// New constructs a fully wired App. Subsystem configuration is read from
// the environment here so a misconfiguration fails before listening.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	wired := false
	defer func() {
		if !wired {
			a.close()
		}
	}()

	if cfg.usesPostgres() {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.dbPool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
	}

	if err := a.openIdentityStore(ctx); err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if err := a.openSessionStore(ctx, sessCfg); err != nil {
		return nil, err
	}
	hasher, err := token.HasherFromEnv(sessCfg.RequireTokenHMAC)
	if err != nil {
		return nil, fmt.Errorf("session token hasher: %w", err)
	}
	a.sessions, err = session.NewService(sessCfg, a.sessionStore, session.NewCodec(a.identities), hasher,
		session.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	pw, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	vopts := []auth.VerifierOption{
		auth.WithRecorder(a.metrics.Auth),
		auth.WithLogger(log),
	}
	if cfg.HashConcurrency > 0 {
		vopts = append(vopts, auth.WithHashConcurrency(cfg.HashConcurrency))
	}
	verifier, err := auth.NewVerifier(a.identities, pw, vopts...)
	if err != nil {
		return nil, err
	}
	reconciler, err := auth.NewReconciler(a.identities,
		auth.WithReconcilerRecorder(a.metrics.Auth),
		auth.WithReconcilerLogger(log),
	)
	if err != nil {
		return nil, err
	}

	fedCfg, err := federated.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	providers, err := federated.Build(ctx, fedCfg)
	if err != nil {
		return nil, err
	}

	a.hub = realtime.NewHub(log, a.metrics.Feed)

	apiCfg, err := authapi.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	a.auth, err = authapi.NewHandler(apiCfg, authapi.Deps{
		Identities: a.identities,
		Verifier:   verifier,
		Reconciler: reconciler,
		Sessions:   a.sessions,
	},
		authapi.WithLogger(log),
		authapi.WithProviders(providers),
		authapi.WithMetrics(a.metrics.Auth),
		authapi.WithPublisher(a.hub),
	)
	if err != nil {
		return nil, err
	}

	wsCfg, err := realtime.LoadGatewayConfigFromEnv()
	if err != nil {
		return nil, err
	}
	a.feed, err = realtime.NewGateway(log, wsCfg, a.hub, a.identities, authapi.IdentityFromContext)
	if err != nil {
		return nil, err
	}

	log.Info("app.ready",
		"store", cfg.Store,
		"session_store", cfg.SessionStore,
		"providers", providers.Names(),
		"token_hmac", hasher.Keyed(),
	)
	wired = true
	return a, nil
}

func (a *App) openIdentityStore(ctx context.Context) error {
	switch a.cfg.Store {
	case BackendSQLite:
		st, err := identity.OpenSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.identities = st
	case BackendPostgres:
		st, err := identity.NewPostgresStore(a.dbPool, identity.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return err
		}
		if a.cfg.DBAutoSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		a.identities = st
	default:
		a.identities = identity.NewMemoryStore()
	}
	a.closers = append(a.closers, a.identities.Close)
	a.log.Info("store.identity.open", "backend", a.cfg.Store)
	return nil
}

func (a *App) openSessionStore(ctx context.Context, sessCfg session.Config) error {
	switch a.cfg.SessionStore {
	case BackendRedis:
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.redis = client
		a.closers = append(a.closers, client.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		st, err := session.NewRedisStore(client, sessCfg.RedisKeyPrefix)
		if err != nil {
			return err
		}
		a.sessionStore = st
	case BackendPostgres:
		st, err := session.NewPostgresStore(a.dbPool, a.cfg.DBSchema)
		if err != nil {
			return err
		}
		if a.cfg.DBAutoSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		a.sessionStore = st
	default:
		a.sessionStore = session.NewMemoryStore()
	}
	a.log.Info("store.session.open", "backend", a.cfg.SessionStore)
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithMetrics(WithSecurityHeaders(mux), a.metrics.HTTP), a.log)
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server fails.
// Stores are closed before it returns.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.sweepSessions(sweepCtx, nonZeroDuration(a.cfg.SessionSweepInterval, 10*time.Minute))

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// sweepSessions deletes expired rows on stores that do not expire them alone.
func (a *App) sweepSessions(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.sessions.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.log.Warn("session.sweep.failed", "err", err)
				}
				continue
			}
			if n > 0 {
				a.metrics.Auth.Session("expired", int(n))
				a.log.Info("session.sweep", "deleted", n)
			}
		}
	}
}

// close releases resources in reverse order of acquisition.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}
	a.closers = nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
