package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"secrets/cmd/internal/realtime"

	"github.com/coder/websocket"
)

// cheapEnv keeps Argon2id fast and the feed reachable without an Origin header.
func cheapEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SECRETS_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("SECRETS_ARGON2_ITERATIONS", "1")
	t.Setenv("SECRETS_WS_ORIGIN_REQUIRED", "false")
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T, cfg Config) (*App, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.close()
	})
	return a, srv
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"SECRETS_STORE", "SECRETS_SESSION_STORE", "SECRETS_LOG_FORMAT", "SECRETS_HTTP_ADDR"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
	cfg := testConfig(t)
	if cfg.Store != BackendMemory || cfg.SessionStore != BackendMemory {
		t.Fatalf("unexpected backends: %q/%q", cfg.Store, cfg.SessionStore)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.LogFormat != "json" || cfg.DBSchema != "secrets" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ReadTimeout != 15*time.Second || cfg.SessionSweepInterval != 10*time.Minute {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown store", env: map[string]string{"SECRETS_STORE": "mongo"}},
		{name: "postgres without url", env: map[string]string{"SECRETS_STORE": "postgres"}},
		{name: "redis without url", env: map[string]string{"SECRETS_SESSION_STORE": "redis"}},
		{name: "postgres sessions without url", env: map[string]string{"SECRETS_SESSION_STORE": "postgres"}},
		{name: "unknown log format", env: map[string]string{"SECRETS_LOG_FORMAT": "xml"}},
		{name: "negative hash concurrency", env: map[string]string{"SECRETS_AUTH_HASH_CONCURRENCY": "-1"}},
		{name: "bad duration", env: map[string]string{"SECRETS_HTTP_READ_TIMEOUT": "soon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("SECRETS_DATABASE_URL", "")
			t.Setenv("SECRETS_REDIS_URL", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadConfig_NormalizesCase(t *testing.T) {
	t.Setenv("SECRETS_STORE", " SQLite ")
	t.Setenv("SECRETS_SQLITE_PATH", filepath.Join(t.TempDir(), "s.db"))
	t.Setenv("SECRETS_LOG_FORMAT", "Pretty")
	cfg := testConfig(t)
	if cfg.Store != BackendSQLite || cfg.LogFormat != "pretty" {
		t.Fatalf("not normalized: %+v", cfg)
	}
}

func TestApp_HealthReadyMetrics(t *testing.T) {
	cheapEnv(t)
	_, srv := newTestApp(t, testConfig(t))

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("GET %s: security headers missing", path)
		}
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `secrets_http_requests_total{method="GET",route="GET /healthz",status="200"} 1`) {
		t.Fatalf("request metric missing:\n%s", body)
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	cheapEnv(t)
	cfg := testConfig(t)
	cfg.ReadinessRequireDB = true
	_, srv := newTestApp(t, cfg)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", resp.StatusCode)
	}
}

func TestApp_SQLiteStore(t *testing.T) {
	cheapEnv(t)
	t.Setenv("SECRETS_STORE", "sqlite")
	t.Setenv("SECRETS_SQLITE_PATH", filepath.Join(t.TempDir(), "secrets.db"))
	_, srv := newTestApp(t, testConfig(t))

	cookie := register(t, srv.URL, "alice", "pw123")
	if cookie == nil {
		t.Fatalf("no session cookie")
	}
}

func TestApp_SubmitReachesLiveFeed(t *testing.T) {
	cheapEnv(t)
	_, srv := newTestApp(t, testConfig(t))

	// Anonymous clients never get a feed.
	_, resp, err := dialFeed(srv.URL, nil)
	if err == nil {
		t.Fatalf("anonymous dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous dial: want 401, got %v", resp)
	}

	cookie := register(t, srv.URL, "alice", "pw123")
	conn, _, err := dialFeed(srv.URL, cookie)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if env := readEnvelope(t, conn); env.Type != realtime.TypeHelloAck {
		t.Fatalf("first envelope = %q", env.Type)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/submit", strings.NewReader(`{"secret":"the cake is a lie"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	sub, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_ = sub.Body.Close()
	if sub.StatusCode != http.StatusCreated {
		t.Fatalf("submit status=%d", sub.StatusCode)
	}

	env := readEnvelope(t, conn)
	if env.Type != realtime.TypeSecretNew {
		t.Fatalf("expected secret_new, got %q", env.Type)
	}
	var p realtime.SecretPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Body != "the cake is a lie" {
		t.Fatalf("payload body=%q", p.Body)
	}
}

func register(t *testing.T, base, user, pass string) *http.Cookie {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": user, "password": pass})
	resp, err := http.Post(base+"/register", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status=%d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "secrets_session" {
			return c
		}
	}
	return nil
}

func dialFeed(base string, cookie *http.Cookie) (*websocket.Conn, *http.Response, error) {
	h := http.Header{}
	if cookie != nil {
		h.Set("Cookie", cookie.Name+"="+cookie.Value)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/secrets/feed", &websocket.DialOptions{
		Subprotocols: []string{"secrets.feed.v1"},
		HTTPHeader:   h,
	})
}

func readEnvelope(t *testing.T, conn *websocket.Conn) realtime.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}
