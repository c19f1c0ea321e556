package federated

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrUnknownProvider is returned for names not present in the Registry.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrExchange covers every failure between code exchange and profile fetch.
	ErrExchange = errors.New("provider exchange failed")
)

// Profile is what a provider asserts about the user. Only Provider and
// Subject take part in identity decisions.
type Profile struct {
	Provider string
	Subject  string
	Email    string
	Name     string
}

// Provider is one configured third-party login.
type Provider interface {
	// Name is the lower-case provider key used in routes and links.
	Name() string

	// AuthCodeURL returns the consent URL for state, with the S256 challenge
	// derived from verifier.
	AuthCodeURL(state, verifier string) string

	// Exchange trades the callback code for the user's profile.
	Exchange(ctx context.Context, code, verifier string) (Profile, error)
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry registers providers; duplicate names are an error.
func NewRegistry(list ...Provider) (*Registry, error) {
	m := make(map[string]Provider, len(list))
	for _, p := range list {
		if p == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(p.Name()))
		if name == "" {
			return nil, errors.New("federated: provider with empty name")
		}
		if _, dup := m[name]; dup {
			return nil, fmt.Errorf("federated: duplicate provider %q", name)
		}
		m[name] = p
	}
	return &Registry{providers: m}, nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	if r == nil {
		return nil, ErrUnknownProvider
	}
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists the registered providers, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func exchangeErr(provider string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExchange, provider, err)
}
