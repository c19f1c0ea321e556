package federated

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// GoogleName is the provider key for Google.
const GoogleName = "google"

// Google logs users in with Google's OIDC flow. The subject is the
// verified ID token's "sub" claim.
type Google struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogle discovers the issuer's endpoints and keys. It performs network I/O.
func NewGoogle(ctx context.Context, cfg Config) (*Google, error) {
	if !cfg.GoogleEnabled() {
		return nil, errors.New("federated: google is not configured")
	}
	issuer := cfg.GoogleIssuer
	if issuer == "" {
		issuer = "https://accounts.google.com"
	}

	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("federated: google discovery: %w", err)
	}

	return newGoogle(
		&oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Endpoint:     op.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		op.Verifier(&oidc.Config{ClientID: cfg.GoogleClientID}),
	), nil
}

func newGoogle(oauth *oauth2.Config, verifier *oidc.IDTokenVerifier) *Google {
	return &Google{oauth: oauth, verifier: verifier}
}

func (g *Google) Name() string { return GoogleName }

func (g *Google) AuthCodeURL(state, verifier string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
}

func (g *Google) Exchange(ctx context.Context, code, verifier string) (Profile, error) {
	tok, err := g.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Profile{}, exchangeErr(GoogleName, err)
	}

	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return Profile{}, exchangeErr(GoogleName, errors.New("no id_token in token response"))
	}

	idToken, err := g.verifier.Verify(ctx, raw)
	if err != nil {
		return Profile{}, exchangeErr(GoogleName, err)
	}

	var claims struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Profile{}, exchangeErr(GoogleName, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Profile{}, exchangeErr(GoogleName, errors.New("id_token without sub"))
	}

	return Profile{Provider: GoogleName, Subject: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}
