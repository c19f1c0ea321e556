package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"secrets/cmd/identity"
	"secrets/cmd/internal/auth"
	"secrets/cmd/internal/auth/federated"
	"secrets/cmd/internal/auth/session"
	"secrets/cmd/internal/metrics"
	"secrets/cmd/security/password"
)

// SecretPublisher receives every newly stored secret. The live feed implements it.
type SecretPublisher interface {
	PublishSecret(ctx context.Context, s identity.Secret)
}

// Deps are the services the handler is built on. All are required.
type Deps struct {
	Identities identity.Store
	Verifier   *auth.Verifier
	Reconciler *auth.Reconciler
	Sessions   *session.Service
}

// Handler wires HTTP endpoints to the verifier, reconciler and session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	identities identity.Store
	verifier   *auth.Verifier
	reconciler *auth.Reconciler
	sessions   *session.Service
	gate       session.Gate

	providers *federated.Registry
	metrics   *metrics.Auth
	feed      SecretPublisher

	failures *failureLog
	now      func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithProviders enables the federated login routes for the registry's providers.
func WithProviders(r *federated.Registry) HandlerOption {
	return func(h *Handler) { h.providers = r }
}

// WithMetrics records session events.
func WithMetrics(m *metrics.Auth) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithPublisher forwards submitted secrets to p.
func WithPublisher(p SecretPublisher) HandlerOption {
	return func(h *Handler) { h.feed = p }
}

// WithClock overrides time.Now for throttling decisions.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, deps Deps, opts ...HandlerOption) (*Handler, error) {
	switch {
	case deps.Identities == nil:
		return nil, errors.New("authapi: nil identity store")
	case deps.Verifier == nil:
		return nil, errors.New("authapi: nil verifier")
	case deps.Reconciler == nil:
		return nil, errors.New("authapi: nil reconciler")
	case deps.Sessions == nil:
		return nil, errors.New("authapi: nil session service")
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	h := &Handler{
		log:        slog.Default(),
		cfg:        cfg,
		identities: deps.Identities,
		verifier:   deps.Verifier,
		reconciler: deps.Reconciler,
		sessions:   deps.Sessions,
		gate:       session.NewGate(deps.Sessions),
		failures:   newFailureLog(cfg.failureRetention()),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires auth and secrets routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /register", h.handleRegister)
	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("POST /logout", h.handleLogout)
	mux.HandleFunc("GET /logout", h.handleLogout)

	mux.HandleFunc("GET /auth", h.handleProviders)
	mux.HandleFunc("GET /auth/{provider}", h.handleProviderStart)
	mux.HandleFunc("GET /auth/{provider}/callback", h.handleProviderCallback)

	mux.Handle("GET /secrets", h.RequireAuth(http.HandlerFunc(h.handleListSecrets)))
	mux.Handle("POST /submit", h.RequireAuth(http.HandlerFunc(h.handleSubmit)))
	mux.Handle("GET /me", h.RequireAuth(http.HandlerFunc(h.handleMe)))
	mux.Handle("POST /password", h.RequireAuth(http.HandlerFunc(h.handleChangePassword)))
}

// Gate exposes the session gate for other transports such as the live feed.
func (h *Handler) Gate() session.Gate { return h.gate }

// ---- local credentials ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	rec, err := h.verifier.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrDuplicateUsername):
		writeError(w, http.StatusConflict, "duplicate_username", "username is already registered")
		return
	case errors.Is(err, auth.ErrInvalidInput), identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", invalidInputMessage(err))
		return
	case err != nil:
		h.serverError(w, r, "auth.register.fail", err)
		return
	}

	issued, ok := h.startSession(w, r, rec)
	if !ok {
		return
	}
	h.auditRegistered(r, rec.ID, req.Username)
	writeJSON(w, http.StatusCreated, toAuthResponse(rec, issued))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)

	// Throttle before touching the store or burning a hash slot.
	if blocked, retryAfter := h.checkLoginIPThrottle(ip, now); blocked {
		h.auditLoginRateLimited(r, req.Username, ip, retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := h.checkLoginUserThrottle(req.Username, now); blocked {
		h.auditLoginRateLimited(r, req.Username, nil, retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}

	rec, err := h.verifier.Verify(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.recordLoginFailure(ip, req.Username, now)
		h.auditLoginFailed(r, req.Username, "invalid_credentials")
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	case err != nil:
		h.serverError(w, r, "auth.login.fail", err)
		return
	}
	h.failures.reset(userKey(req.Username))

	// A fresh token on every login; any previous session for this browser ends.
	h.endSession(r)
	issued, ok := h.startSession(w, r, rec)
	if !ok {
		return
	}
	h.auditLoginSuccess(r, rec.ID, "password")
	writeJSON(w, http.StatusOK, toAuthResponse(rec, issued))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.endSession(r)
	h.clearSessionCookie(w)
	h.auditLogout(r)

	if r.Method == http.MethodGet {
		http.Redirect(w, r, h.cfg.AfterLogoutPath, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	rec, _ := IdentityFromContext(r.Context())

	var req changePasswordRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	err := h.verifier.ChangePassword(r.Context(), rec.ID, req.Current, req.New)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "current password is wrong or no local password is set")
		return
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", invalidInputMessage(err))
		return
	case identity.IsNotFound(err):
		h.clearSessionCookie(w)
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	case err != nil:
		h.serverError(w, r, "auth.password.fail", err)
		return
	}
	h.auditPasswordChanged(r, rec.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---- secrets ----

func (h *Handler) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	list, err := h.identities.ListSecrets(r.Context(), h.cfg.SecretsLimit)
	if err != nil {
		h.serverError(w, r, "secrets.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, secretsResponse{Secrets: toSecretResponses(list)})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	rec, _ := IdentityFromContext(r.Context())

	var req submitRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	body := strings.TrimSpace(req.Secret)
	if body == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "secret is required")
		return
	}
	if !utf8.ValidString(body) || len(body) > h.cfg.MaxSecretBytes {
		writeError(w, http.StatusBadRequest, "invalid_request", "secret is too long or not valid text")
		return
	}

	sec, err := h.identities.AppendSecret(r.Context(), rec.ID, body, h.now().UTC())
	switch {
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "secret is required")
		return
	case identity.IsNotFound(err):
		// The identity vanished between the gate and the write.
		h.clearSessionCookie(w)
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	case err != nil:
		h.serverError(w, r, "secrets.submit.fail", err)
		return
	}

	h.auditSecretSubmitted(r, rec.ID, sec.ID)
	if h.feed != nil {
		h.feed.PublishSecret(r.Context(), sec)
	}
	writeJSON(w, http.StatusCreated, toSecretResponse(sec))
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	rec, _ := IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, toIdentityResponse(rec, true))
}

// ---- sessions ----

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, rec identity.Identity) (session.Issued, bool) {
	issued, err := h.sessions.Bind(r.Context(), rec)
	if err != nil {
		h.serverError(w, r, "auth.session.bind.fail", err)
		return session.Issued{}, false
	}
	h.metrics.Session("bound", 1)
	h.setSessionCookie(w, issued.Token, issued.ExpiresAt)
	return issued, true
}

// endSession drops the server-side row for the request's cookie, if any.
func (h *Handler) endSession(r *http.Request) {
	tok, ok := h.sessionToken(r)
	if !ok {
		return
	}
	if err := h.sessions.Unbind(r.Context(), tok); err != nil {
		h.log.WarnContext(r.Context(), "auth.session.unbind.fail", "err", err)
		return
	}
	h.metrics.Session("unbound", 1)
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, event string, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		h.log.DebugContext(r.Context(), event, "err", err)
	} else {
		h.log.ErrorContext(r.Context(), event, "err", err)
	}
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func invalidInputMessage(err error) string {
	switch {
	case errors.Is(err, password.ErrPasswordEmpty):
		return "password is required"
	case errors.Is(err, password.ErrPasswordTooShort):
		return "password is too short"
	case errors.Is(err, password.ErrPasswordTooLong):
		return "password is too long"
	case errors.Is(err, password.ErrWeakPassword):
		return "password is too weak"
	default:
		return "username and password are required"
	}
}
