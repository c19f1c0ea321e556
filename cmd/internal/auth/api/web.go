package authapi

import (
	"net/http"
	"strings"
	"time"

	"secrets/cmd/internal/auth/federated"
)

func (h *Handler) setSessionCookie(w http.ResponseWriter, value string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    value,
		Path:     h.cfg.CookiePath,
		Domain:   h.cfg.CookieDomain,
		Expires:  exp.UTC(),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	})
}

func (h *Handler) sessionToken(r *http.Request) (string, bool) {
	c, err := r.Cookie(h.cfg.SessionCookieName)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(c.Value)
	if v == "" {
		return "", false
	}
	return v, true
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	h.expireCookie(w, h.cfg.SessionCookieName, h.cfg.CookiePath)
}

// Flow cookies are scoped to the provider's routes and never outlive FlowCookieTTL.
func (h *Handler) flowCookieNames() (state, verifier string) {
	return h.cfg.FlowCookiePrefix + "_state", h.cfg.FlowCookiePrefix + "_verifier"
}

func flowCookiePath(provider string) string {
	return "/auth/" + provider
}

func (h *Handler) setFlowCookies(w http.ResponseWriter, provider string, flow federated.Flow) {
	stateName, verifierName := h.flowCookieNames()
	for name, value := range map[string]string{stateName: flow.State, verifierName: flow.Verifier} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     flowCookiePath(provider),
			Domain:   h.cfg.CookieDomain,
			MaxAge:   int(h.cfg.FlowCookieTTL / time.Second),
			HttpOnly: true,
			Secure:   h.cfg.CookieSecure,
			// The provider redirects back cross-site; Lax still sends on top-level GET.
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (h *Handler) flowFromCookies(r *http.Request) (federated.Flow, bool) {
	stateName, verifierName := h.flowCookieNames()
	sc, err := r.Cookie(stateName)
	if err != nil || sc.Value == "" {
		return federated.Flow{}, false
	}
	vc, err := r.Cookie(verifierName)
	if err != nil || vc.Value == "" {
		return federated.Flow{}, false
	}
	return federated.Flow{State: sc.Value, Verifier: vc.Value}, true
}

func (h *Handler) clearFlowCookies(w http.ResponseWriter, provider string) {
	stateName, verifierName := h.flowCookieNames()
	h.expireCookie(w, stateName, flowCookiePath(provider))
	h.expireCookie(w, verifierName, flowCookiePath(provider))
}

func (h *Handler) expireCookie(w http.ResponseWriter, name, path string) {
	if strings.TrimSpace(name) == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   h.cfg.CookieDomain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	})
}

// wantsHTML reports whether the client is a browser navigating, as opposed
// to an API caller.
func wantsHTML(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(mt), "text/html") {
			return true
		}
	}
	return false
}
