package app

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"secrets/cmd/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 303, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 401, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
		{status: 42, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "unknown"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

func TestWithRequestLogging_UsesRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/{provider}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusFound)
		w.WriteHeader(http.StatusInternalServerError)
	})

	rr := httptest.NewRecorder()
	WithRequestLogging(mux, log).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/google", nil))

	out := buf.String()
	for _, want := range []string{`"route":"GET /auth/{provider}"`, `"path":"/auth/google"`, `"status":302`, `"result":"redirect"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line missing %s: %s", want, out)
		}
	}
}

func TestWithMetrics_LabelsByPattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewHTTP(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/{provider}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := WithMetrics(mux, m)

	for _, p := range []string{"/auth/google", "/auth/facebook", "/nowhere"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	want := `
# HELP secrets_http_requests_total HTTP requests by method, route and status.
# TYPE secrets_http_requests_total counter
secrets_http_requests_total{method="GET",route="GET /auth/{provider}",status="404"} 2
secrets_http_requests_total{method="GET",route="unmatched",status="404"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "secrets_http_requests_total"); err != nil {
		t.Fatalf("requests_total: %v", err)
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing nosniff: %q", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("missing frame options: %q", got)
	}
	if got := rr.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Fatalf("missing referrer policy: %q", got)
	}
}
