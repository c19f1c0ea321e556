package authapi

import (
	"net"
	"net/http"
	"strings"

	"secrets/cmd/identity"
	"secrets/cmd/internal/auth/session"
)

func toIdentityResponse(rec identity.Identity, withSecrets bool) identityResponse {
	out := identityResponse{
		ID:        rec.ID,
		Providers: rec.Providers(),
		CreatedAt: rec.CreatedAt,
	}
	if out.Providers == nil {
		out.Providers = []string{}
	}
	if rec.Local != nil {
		out.Username = rec.Local.Username
	}
	if withSecrets {
		out.Secrets = toSecretResponses(rec.Secrets)
	}
	return out
}

func toSecretResponses(in []identity.Secret) []secretResponse {
	out := make([]secretResponse, 0, len(in))
	for _, s := range in {
		out = append(out, toSecretResponse(s))
	}
	return out
}

func toSecretResponse(s identity.Secret) secretResponse {
	return secretResponse{ID: s.ID, Body: s.Body, CreatedAt: s.CreatedAt}
}

func toAuthResponse(rec identity.Identity, issued session.Issued) authResponse {
	return authResponse{
		Identity: toIdentityResponse(rec, false),
		Session:  sessionResponse{ExpiresAt: issued.ExpiresAt},
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
