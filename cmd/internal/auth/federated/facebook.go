package federated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
)

// FacebookName is the provider key for Facebook.
const FacebookName = "facebook"

// maxGraphBody caps the /me response we are willing to read.
const maxGraphBody = 64 << 10

// Facebook logs users in with Facebook Login. The subject is the app-scoped
// user ID returned by the Graph API.
type Facebook struct {
	oauth    *oauth2.Config
	graphURL string
}

// NewFacebook builds the provider from cfg.
func NewFacebook(cfg Config) (*Facebook, error) {
	if !cfg.FacebookEnabled() {
		return nil, errors.New("federated: facebook is not configured")
	}
	graph := cfg.FacebookGraphURL
	if graph == "" {
		graph = "https://graph.facebook.com/me"
	}
	if _, err := url.Parse(graph); err != nil {
		return nil, fmt.Errorf("federated: facebook graph url: %w", err)
	}
	return &Facebook{
		oauth: &oauth2.Config{
			ClientID:     cfg.FacebookClientID,
			ClientSecret: cfg.FacebookClientSecret,
			RedirectURL:  cfg.FacebookRedirectURL,
			Endpoint:     facebook.Endpoint,
			Scopes:       []string{"public_profile", "email"},
		},
		graphURL: graph,
	}, nil
}

func (f *Facebook) Name() string { return FacebookName }

func (f *Facebook) AuthCodeURL(state, verifier string) string {
	return f.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (f *Facebook) Exchange(ctx context.Context, code, verifier string) (Profile, error) {
	tok, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Profile{}, exchangeErr(FacebookName, err)
	}

	u, _ := url.Parse(f.graphURL)
	q := u.Query()
	q.Set("fields", "id,name,email")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Profile{}, exchangeErr(FacebookName, err)
	}
	resp, err := f.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return Profile{}, exchangeErr(FacebookName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, exchangeErr(FacebookName, fmt.Errorf("graph /me: status %d", resp.StatusCode))
	}

	var me struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxGraphBody)).Decode(&me); err != nil {
		return Profile{}, exchangeErr(FacebookName, err)
	}
	if strings.TrimSpace(me.ID) == "" {
		return Profile{}, exchangeErr(FacebookName, errors.New("graph /me without id"))
	}

	return Profile{Provider: FacebookName, Subject: me.ID, Email: me.Email, Name: me.Name}, nil
}
