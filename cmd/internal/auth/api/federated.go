package authapi

import (
	"errors"
	"net/http"
	"strings"

	"secrets/cmd/internal/auth"
	"secrets/cmd/internal/auth/federated"
)

func (h *Handler) handleProviders(w http.ResponseWriter, _ *http.Request) {
	names := h.providers.Names()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, providersResponse{Providers: names})
}

func (h *Handler) provider(w http.ResponseWriter, r *http.Request) (federated.Provider, bool) {
	p, err := h.providers.Get(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_provider", "provider is not configured")
		return nil, false
	}
	return p, true
}

func (h *Handler) handleProviderStart(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	flow, err := federated.NewFlow()
	if err != nil {
		h.serverError(w, r, "auth.federated.flow.fail", err)
		return
	}
	h.setFlowCookies(w, p.Name(), flow)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, p.AuthCodeURL(flow.State, flow.Verifier), http.StatusFound)
}

func (h *Handler) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	name := p.Name()
	q := r.URL.Query()

	flow, haveFlow := h.flowFromCookies(r)
	// The flow is single use whatever the outcome.
	h.clearFlowCookies(w, name)

	if e := strings.TrimSpace(q.Get("error")); e != "" {
		h.auditFederatedFailed(r, name, "provider_error:"+e)
		writeError(w, http.StatusUnauthorized, "federated_denied", "login was cancelled or denied at the provider")
		return
	}
	if !haveFlow || !federated.StateMatches(flow.State, q.Get("state")) {
		h.auditFederatedFailed(r, name, "state_mismatch")
		writeError(w, http.StatusBadRequest, "invalid_state", "login attempt expired or was tampered with")
		return
	}
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		h.auditFederatedFailed(r, name, "missing_code")
		writeError(w, http.StatusBadRequest, "invalid_request", "authorization code is required")
		return
	}

	profile, err := p.Exchange(r.Context(), code, flow.Verifier)
	if err != nil {
		if errors.Is(err, federated.ErrExchange) {
			h.log.WarnContext(r.Context(), "auth.federated.exchange.fail", "provider", name, "err", err)
			h.auditFederatedFailed(r, name, "exchange")
			writeError(w, http.StatusBadGateway, "federated_exchange_failed", "could not complete login with provider")
			return
		}
		h.serverError(w, r, "auth.federated.exchange.fail", err)
		return
	}

	rec, err := h.reconciler.FindOrCreate(r.Context(), name, profile.Subject)
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		h.auditFederatedFailed(r, name, "empty_subject")
		writeError(w, http.StatusBadGateway, "federated_exchange_failed", "provider returned no subject")
		return
	case err != nil:
		h.serverError(w, r, "auth.federated.reconcile.fail", err)
		return
	}

	h.endSession(r)
	if _, ok := h.startSession(w, r, rec); !ok {
		return
	}
	h.auditLoginSuccess(r, rec.ID, name)
	http.Redirect(w, r, h.cfg.AfterLoginPath, http.StatusSeeOther)
}
