package authapi

import (
	"context"
	"net/http"

	"secrets/cmd/identity"
)

type identityCtxKey struct{}

// IdentityFromContext returns the identity RequireAuth attached to ctx.
func IdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	rec, ok := ctx.Value(identityCtxKey{}).(identity.Identity)
	return rec, ok
}

// WithIdentity returns a copy of ctx carrying rec.
func WithIdentity(ctx context.Context, rec identity.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, rec)
}

// Authenticate resolves the request's session cookie. A cookie that no longer
// resolves is expired on the response.
func (h *Handler) Authenticate(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	tok, ok := h.sessionToken(r)
	if !ok {
		return identity.Identity{}, false
	}
	rec, ok := h.gate.Identity(r.Context(), tok)
	if !ok {
		h.clearSessionCookie(w)
		h.metrics.Session("rejected", 1)
		return identity.Identity{}, false
	}
	return rec, true
}

// RequireAuth lets only authenticated sessions through to next. Browsers are
// redirected to the login page; API clients get 401.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := h.Authenticate(w, r)
		if !ok {
			h.Unauthenticated(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), rec)))
	})
}

// Unauthenticated writes the anonymous response for r.
func (h *Handler) Unauthenticated(w http.ResponseWriter, r *http.Request) {
	if wantsHTML(r) {
		http.Redirect(w, r, h.cfg.LoginPath, http.StatusSeeOther)
		return
	}
	writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
}
