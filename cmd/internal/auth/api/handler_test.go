package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"secrets/cmd/identity"
	"secrets/cmd/internal/auth"
	"secrets/cmd/internal/auth/federated"
	"secrets/cmd/internal/auth/session"
	"secrets/cmd/security/password"
	"secrets/cmd/security/token"
)

// ---- fixtures ----

type stubProvider struct {
	name string
	// verifiers records the PKCE verifier seen by Exchange.
	mu        sync.Mutex
	verifiers []string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) AuthCodeURL(state, verifier string) string {
	return "https://provider.example/consent?state=" + url.QueryEscape(state)
}

// Exchange treats the code as the provider subject; "boom" fails like a bad exchange.
func (p *stubProvider) Exchange(_ context.Context, code, verifier string) (federated.Profile, error) {
	p.mu.Lock()
	p.verifiers = append(p.verifiers, verifier)
	p.mu.Unlock()
	if code == "boom" {
		return federated.Profile{}, federated.ErrExchange
	}
	return federated.Profile{Provider: p.name, Subject: code}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	secrets []identity.Secret
}

func (p *recordingPublisher) PublishSecret(_ context.Context, s identity.Secret) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secrets = append(p.secrets, s)
}

type testEnv struct {
	srv      *httptest.Server
	client   *http.Client
	handler  *Handler
	ids      *identity.MemoryStore
	provider *stubProvider
	feed     *recordingPublisher
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	ids := identity.NewMemoryStore()
	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1

	verifier, err := auth.NewVerifier(ids, pw)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	reconciler, err := auth.NewReconciler(ids)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	sessions, err := session.NewService(session.DefaultConfig(), session.NewMemoryStore(), session.NewCodec(ids),
		token.NewHasher([]byte(strings.Repeat("k", 32))))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	provider := &stubProvider{name: "google"}
	registry, err := federated.NewRegistry(provider)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	feed := &recordingPublisher{}

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewHandler(cfg, Deps{Identities: ids, Verifier: verifier, Reconciler: reconciler, Sessions: sessions},
		WithProviders(registry),
		WithPublisher(feed),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, client: newClient(t), handler: h, ids: ids, provider: provider, feed: feed}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{
		Jar:     jar,
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type reply struct {
	status int
	header http.Header
	body   map[string]any
	raw    []byte
}

func (e *testEnv) do(t *testing.T, c *http.Client, method, path string, body any, accept string) reply {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := reply{status: resp.StatusCode, header: resp.Header, raw: raw}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return out
}

func (r reply) errorCode() string {
	e, _ := r.body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (r reply) identityID(t *testing.T) string {
	t.Helper()
	if id, ok := r.body["id"].(string); ok {
		return id
	}
	ident, _ := r.body["identity"].(map[string]any)
	id, _ := ident["id"].(string)
	if id == "" {
		t.Fatalf("no identity id in %s", r.raw)
	}
	return id
}

func expectStatus(t *testing.T, r reply, want int) {
	t.Helper()
	if r.status != want {
		t.Fatalf("status=%d want %d body=%s", r.status, want, r.raw)
	}
}

func creds(u, p string) map[string]string { return map[string]string{"username": u, "password": p} }

// ---- local credentials ----

func TestScenario_RegisterLoginSubmitList(t *testing.T) {
	env := newTestEnv(t, nil)

	reg := env.do(t, env.client, http.MethodPost, "/register", creds("alice", "pw123"), "")
	expectStatus(t, reg, http.StatusCreated)
	id := reg.identityID(t)
	if reg.header.Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store, got %q", reg.header.Get("Cache-Control"))
	}

	// A separate browser logs in.
	other := newClient(t)
	bad := env.do(t, other, http.MethodPost, "/login", creds("alice", "wrong"), "")
	expectStatus(t, bad, http.StatusUnauthorized)
	if bad.errorCode() != "invalid_credentials" {
		t.Fatalf("unexpected error code %q", bad.errorCode())
	}

	login := env.do(t, other, http.MethodPost, "/login", creds("alice", "pw123"), "")
	expectStatus(t, login, http.StatusOK)
	if got := login.identityID(t); got != id {
		t.Fatalf("login id %q, registered %q", got, id)
	}

	sub := env.do(t, other, http.MethodPost, "/submit", map[string]string{"secret": "the cake is a lie"}, "")
	expectStatus(t, sub, http.StatusCreated)
	if sub.body["body"] != "the cake is a lie" {
		t.Fatalf("unexpected submit reply: %s", sub.raw)
	}
	if _, leaked := sub.body["identity_id"]; leaked {
		t.Fatalf("secret response must not reveal its author: %s", sub.raw)
	}

	list := env.do(t, env.client, http.MethodGet, "/secrets", nil, "")
	expectStatus(t, list, http.StatusOK)
	if !strings.Contains(string(list.raw), "the cake is a lie") {
		t.Fatalf("secret missing from list: %s", list.raw)
	}

	me := env.do(t, other, http.MethodGet, "/me", nil, "")
	expectStatus(t, me, http.StatusOK)
	if me.body["username"] != "alice" || me.identityID(t) != id {
		t.Fatalf("unexpected /me: %s", me.raw)
	}
	secrets, _ := me.body["secrets"].([]any)
	if len(secrets) != 1 {
		t.Fatalf("expected one own secret, got %s", me.raw)
	}

	env.feed.mu.Lock()
	defer env.feed.mu.Unlock()
	if len(env.feed.secrets) != 1 || env.feed.secrets[0].IdentityID != id {
		t.Fatalf("expected secret published to feed, got %+v", env.feed.secrets)
	}
}

func TestRegister_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, env.client, http.MethodPost, "/register", creds("bob", "pw"), ""), http.StatusCreated)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "duplicate", body: creds("bob", "other"), status: http.StatusConflict, code: "duplicate_username"},
		{name: "blank username", body: creds("  ", "pw"), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "blank password", body: creds("carol", "   "), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown field", body: `{"username":"x","password":"y","admin":true}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "trailing data", body: `{"username":"x","password":"y"} {}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "empty body", body: ``, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "oversized", body: creds("dave", strings.Repeat("p", 70_000)), status: http.StatusRequestEntityTooLarge, code: "body_too_large"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := env.do(t, newClient(t), http.MethodPost, "/register", tc.body, "")
			expectStatus(t, r, tc.status)
			if r.errorCode() != tc.code {
				t.Fatalf("code=%q want %q", r.errorCode(), tc.code)
			}
		})
	}

	if _, err := env.ids.FindByLocalUsername(context.Background(), "carol"); !identity.IsNotFound(err) {
		t.Fatalf("rejected registration must not create a record: %v", err)
	}
}

func TestRegister_WrongMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	r := env.do(t, env.client, http.MethodGet, "/register", nil, "")
	expectStatus(t, r, http.StatusMethodNotAllowed)
}

func TestLogin_UnknownUserLooksLikeWrongPassword(t *testing.T) {
	env := newTestEnv(t, nil)
	r := env.do(t, env.client, http.MethodPost, "/login", creds("nobody", "pw"), "")
	expectStatus(t, r, http.StatusUnauthorized)
	if r.errorCode() != "invalid_credentials" {
		t.Fatalf("unexpected code %q", r.errorCode())
	}
}

func TestLogin_LockoutAfterRepeatedFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	env := newTestEnv(t, func(c *Config) {
		c.LockoutShortThreshold = 3
		c.LockoutShortDuration = time.Minute
	})
	env.handler.now = clock

	expectStatus(t, env.do(t, env.client, http.MethodPost, "/register", creds("dave", "right"), ""), http.StatusCreated)
	for i := 0; i < 3; i++ {
		expectStatus(t, env.do(t, env.client, http.MethodPost, "/login", creds("dave", "wrong"), ""), http.StatusUnauthorized)
	}

	locked := env.do(t, env.client, http.MethodPost, "/login", creds("dave", "right"), "")
	expectStatus(t, locked, http.StatusTooManyRequests)
	if locked.header.Get("Retry-After") != "60" {
		t.Fatalf("unexpected Retry-After %q", locked.header.Get("Retry-After"))
	}

	mu.Lock()
	now = now.Add(61 * time.Second)
	mu.Unlock()
	expectStatus(t, env.do(t, env.client, http.MethodPost, "/login", creds("dave", "right"), ""), http.StatusOK)

	// Success clears the per-user history.
	expectStatus(t, env.do(t, env.client, http.MethodPost, "/login", creds("dave", "wrong"), ""), http.StatusUnauthorized)
	expectStatus(t, env.do(t, env.client, http.MethodPost, "/login", creds("dave", "right"), ""), http.StatusOK)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, env.client, http.MethodPost, "/register", creds("erin", "old-pass"), ""), http.StatusCreated)

	wrong := env.do(t, env.client, http.MethodPost, "/password", map[string]string{"current": "nope", "new": "new-pass"}, "")
	expectStatus(t, wrong, http.StatusUnauthorized)

	blank := env.do(t, env.client, http.MethodPost, "/password", map[string]string{"current": "old-pass", "new": " "}, "")
	expectStatus(t, blank, http.StatusBadRequest)

	ok := env.do(t, env.client, http.MethodPost, "/password", map[string]string{"current": "old-pass", "new": "new-pass"}, "")
	expectStatus(t, ok, http.StatusOK)

	expectStatus(t, env.do(t, newClient(t), http.MethodPost, "/login", creds("erin", "old-pass"), ""), http.StatusUnauthorized)
	expectStatus(t, env.do(t, newClient(t), http.MethodPost, "/login", creds("erin", "new-pass"), ""), http.StatusOK)
}

func TestChangePassword_IdentityGoneAfterGate(t *testing.T) {
	env := newTestEnv(t, nil)

	gone := identity.Identity{ID: "01HZZZZZZZZZZZZZZZZZZZZZZZ"}
	body := strings.NewReader(`{"current":"old-pass","new":"new-pass"}`)
	req := httptest.NewRequest(http.MethodPost, "/password", body)
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(WithIdentity(req.Context(), gone))
	rr := httptest.NewRecorder()

	env.handler.handleChangePassword(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != "unauthenticated" {
		t.Fatalf("unexpected code %q", resp.Error.Code)
	}
	var cleared bool
	for _, c := range rr.Result().Cookies() {
		if c.Name == "secrets_session" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("expected session cookie to be cleared, got %v", rr.Header().Values("Set-Cookie"))
	}
}

// ---- gate ----

func TestRequireAuth_AnonymousResponses(t *testing.T) {
	env := newTestEnv(t, nil)

	api := env.do(t, env.client, http.MethodGet, "/secrets", nil, "application/json")
	expectStatus(t, api, http.StatusUnauthorized)
	if api.errorCode() != "unauthenticated" {
		t.Fatalf("unexpected code %q", api.errorCode())
	}

	browser := env.do(t, env.client, http.MethodGet, "/secrets", nil, "text/html,application/xhtml+xml;q=0.9")
	expectStatus(t, browser, http.StatusSeeOther)
	if loc := browser.header.Get("Location"); loc != "/login" {
		t.Fatalf("unexpected redirect %q", loc)
	}

	sub := env.do(t, env.client, http.MethodPost, "/submit", map[string]string{"secret": "x"}, "")
	expectStatus(t, sub, http.StatusUnauthorized)
}

func TestRequireAuth_StaleCookieIsExpired(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/me", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: "secrets_session", Value: "forged-or-expired"})
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("GET /me: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var expired bool
	for _, c := range resp.Cookies() {
		if c.Name == "secrets_session" && c.MaxAge < 0 {
			expired = true
		}
	}
	if !expired {
		t.Fatalf("expected stale session cookie to be cleared, got %v", resp.Header.Values("Set-Cookie"))
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, env.client, http.MethodPost, "/register", creds("frank", "pw"), ""), http.StatusCreated)
	expectStatus(t, env.do(t, env.client, http.MethodGet, "/me", nil, ""), http.StatusOK)

	u, _ := url.Parse(env.srv.URL)
	var tok string
	for _, c := range env.client.Jar.Cookies(u) {
		if c.Name == "secrets_session" {
			tok = c.Value
		}
	}
	if tok == "" {
		t.Fatalf("no session cookie after register")
	}

	expectStatus(t, env.do(t, env.client, http.MethodPost, "/logout", nil, ""), http.StatusOK)
	expectStatus(t, env.do(t, env.client, http.MethodGet, "/me", nil, ""), http.StatusUnauthorized)

	// The server-side row is gone too, not just the cookie.
	if env.handler.Gate().IsAuthenticated(context.Background(), tok) {
		t.Fatalf("session still valid after logout")
	}

	// Anonymous GET logout still succeeds.
	r := env.do(t, env.client, http.MethodGet, "/logout", nil, "text/html")
	expectStatus(t, r, http.StatusSeeOther)
	if loc := r.header.Get("Location"); loc != "/" {
		t.Fatalf("unexpected redirect %q", loc)
	}
}

// ---- federated ----

func (e *testEnv) federatedLogin(t *testing.T, c *http.Client, subject string) reply {
	t.Helper()

	start := e.do(t, c, http.MethodGet, "/auth/google", nil, "text/html")
	expectStatus(t, start, http.StatusFound)
	consent, err := url.Parse(start.header.Get("Location"))
	if err != nil {
		t.Fatalf("parse consent url: %v", err)
	}
	state := consent.Query().Get("state")
	if state == "" {
		t.Fatalf("no state in %q", consent)
	}
	q := url.Values{"state": {state}, "code": {subject}}
	return e.do(t, c, http.MethodGet, "/auth/google/callback?"+q.Encode(), nil, "text/html")
}

func TestFederated_SameSubjectTwice(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.federatedLogin(t, env.client, "g-1")
	expectStatus(t, first, http.StatusSeeOther)
	if loc := first.header.Get("Location"); loc != "/secrets" {
		t.Fatalf("unexpected redirect %q", loc)
	}
	me1 := env.do(t, env.client, http.MethodGet, "/me", nil, "")
	expectStatus(t, me1, http.StatusOK)

	other := newClient(t)
	expectStatus(t, env.federatedLogin(t, other, "g-1"), http.StatusSeeOther)
	me2 := env.do(t, other, http.MethodGet, "/me", nil, "")
	expectStatus(t, me2, http.StatusOK)

	if me1.identityID(t) != me2.identityID(t) {
		t.Fatalf("same subject produced two identities: %s vs %s", me1.raw, me2.raw)
	}
	providers, _ := me1.body["providers"].([]any)
	if len(providers) != 1 || providers[0] != "google" {
		t.Fatalf("unexpected providers %s", me1.raw)
	}

	env.provider.mu.Lock()
	defer env.provider.mu.Unlock()
	if len(env.provider.verifiers) != 2 || env.provider.verifiers[0] == "" || env.provider.verifiers[0] == env.provider.verifiers[1] {
		t.Fatalf("expected a fresh PKCE verifier per attempt, got %q", env.provider.verifiers)
	}
}

func TestFederated_Failures(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("unknown provider", func(t *testing.T) {
		r := env.do(t, env.client, http.MethodGet, "/auth/myspace", nil, "")
		expectStatus(t, r, http.StatusNotFound)
		if r.errorCode() != "unknown_provider" {
			t.Fatalf("unexpected code %q", r.errorCode())
		}
	})

	t.Run("state mismatch", func(t *testing.T) {
		c := newClient(t)
		expectStatus(t, env.do(t, c, http.MethodGet, "/auth/google", nil, ""), http.StatusFound)
		r := env.do(t, c, http.MethodGet, "/auth/google/callback?state=forged&code=g-2", nil, "")
		expectStatus(t, r, http.StatusBadRequest)
		if r.errorCode() != "invalid_state" {
			t.Fatalf("unexpected code %q", r.errorCode())
		}
	})

	t.Run("no flow cookies", func(t *testing.T) {
		r := env.do(t, newClient(t), http.MethodGet, "/auth/google/callback?state=x&code=g-2", nil, "")
		expectStatus(t, r, http.StatusBadRequest)
	})

	t.Run("provider denied", func(t *testing.T) {
		r := env.do(t, newClient(t), http.MethodGet, "/auth/google/callback?error=access_denied", nil, "")
		expectStatus(t, r, http.StatusUnauthorized)
	})

	t.Run("exchange failure", func(t *testing.T) {
		r := env.federatedLogin(t, newClient(t), "boom")
		expectStatus(t, r, http.StatusBadGateway)
	})

	t.Run("listing", func(t *testing.T) {
		r := env.do(t, env.client, http.MethodGet, "/auth", nil, "")
		expectStatus(t, r, http.StatusOK)
		list, _ := r.body["providers"].([]any)
		if len(list) != 1 || list[0] != "google" {
			t.Fatalf("unexpected providers %s", r.raw)
		}
	})
}

func TestNewHandler_RequiresDeps(t *testing.T) {
	if _, err := NewHandler(DefaultConfig(), Deps{}); err == nil {
		t.Fatalf("expected error for missing deps")
	}
}

func TestWantsHTML(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{accept: "", want: false},
		{accept: "application/json", want: false},
		{accept: "text/html", want: true},
		{accept: "application/json;q=1, TEXT/HTML;q=0.5", want: true},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Accept", tc.accept)
		if got := wantsHTML(r); got != tc.want {
			t.Fatalf("wantsHTML(%q)=%v want %v", tc.accept, got, tc.want)
		}
	}
}
