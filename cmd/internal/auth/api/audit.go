package authapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Audit events go to the structured log under a stable "audit" action name.
// Usernames are recorded, passwords and tokens never are.

type auditEvent struct {
	action     string
	identityID string
	attrs      []slog.Attr
}

func (h *Handler) audit(ctx context.Context, r *http.Request, ev auditEvent) {
	attrs := make([]slog.Attr, 0, len(ev.attrs)+4)
	attrs = append(attrs, slog.String("action", ev.action))
	if ev.identityID != "" {
		attrs = append(attrs, slog.String("identity_id", ev.identityID))
	}
	if r != nil {
		if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
			attrs = append(attrs, slog.String("ip", ip.String()))
		}
		if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
			attrs = append(attrs, slog.String("user_agent", ua))
		}
	}
	attrs = append(attrs, ev.attrs...)
	h.log.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

func (h *Handler) auditRegistered(r *http.Request, identityID, username string) {
	h.audit(r.Context(), r, auditEvent{
		action:     "auth.register.success",
		identityID: identityID,
		attrs:      []slog.Attr{slog.String("username", username)},
	})
}

func (h *Handler) auditLoginFailed(r *http.Request, username, reason string) {
	h.audit(r.Context(), r, auditEvent{
		action: "auth.login.failed",
		attrs:  []slog.Attr{slog.String("username", username), slog.String("reason", reason)},
	})
}

func (h *Handler) auditLoginSuccess(r *http.Request, identityID, method string) {
	h.audit(r.Context(), r, auditEvent{
		action:     "auth.login.success",
		identityID: identityID,
		attrs:      []slog.Attr{slog.String("method", method)},
	})
}

func (h *Handler) auditLoginRateLimited(r *http.Request, username string, ip net.IP, retryAfter time.Duration) {
	attrs := []slog.Attr{
		slog.String("username", username),
		slog.Int64("retry_after_s", int64(retryAfter.Seconds())),
	}
	if ip != nil {
		attrs = append(attrs, slog.String("throttled_ip", ip.String()))
	}
	h.audit(r.Context(), r, auditEvent{action: "auth.login.rate_limited", attrs: attrs})
}

func (h *Handler) auditFederatedFailed(r *http.Request, provider, reason string) {
	h.audit(r.Context(), r, auditEvent{
		action: "auth.federated.failed",
		attrs:  []slog.Attr{slog.String("provider", provider), slog.String("reason", reason)},
	})
}

func (h *Handler) auditLogout(r *http.Request) {
	h.audit(r.Context(), r, auditEvent{action: "auth.logout"})
}

func (h *Handler) auditPasswordChanged(r *http.Request, identityID string) {
	h.audit(r.Context(), r, auditEvent{action: "auth.password.changed", identityID: identityID})
}

func (h *Handler) auditSecretSubmitted(r *http.Request, identityID, secretID string) {
	h.audit(r.Context(), r, auditEvent{
		action:     "secrets.submitted",
		identityID: identityID,
		attrs:      []slog.Attr{slog.String("secret_id", secretID)},
	})
}
