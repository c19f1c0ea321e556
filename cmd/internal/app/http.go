package app

import (
	"context"
	"net/http"
	"time"
)

const readinessTimeout = 2 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if dep, err := a.ready(r.Context()); err != nil {
			http.Error(w, dep+" not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.not_ready", "dep", dep, "err", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", a.metrics.Handler())

	a.auth.Register(mux)
	mux.Handle("GET /secrets/feed", a.auth.RequireAuth(a.feed))
}

// ready pings every backing service and names the first one that fails.
func (a *App) ready(parent context.Context) (string, error) {
	if a.cfg.ReadinessRequireDB && a.dbPool == nil {
		return "db", errNoDatabase
	}
	if a.dbPool != nil {
		if err := PingDB(parent, a.dbPool, readinessTimeout); err != nil {
			return "db", err
		}
	}

	ctx, cancel := context.WithTimeout(parent, readinessTimeout)
	defer cancel()

	if p, ok := a.identities.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return "identity_store", err
		}
	}
	if p, ok := a.sessionStore.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return "session_store", err
		}
	}
	return "", nil
}
