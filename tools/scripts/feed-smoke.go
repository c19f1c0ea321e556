// Package main provides a CI-friendly smoke test for a running Secrets server.
//
// It validates:
//   - register over HTTP and the session cookie
//   - anonymous feed handshakes are refused
//   - feed handshake + subprotocol selection + hello_ack
//   - submit -> secret_new fanout to the feed
//   - backlog fetch contains the submitted secret
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "secrets.feed.v1"
	maxReadBytes = 1 << 20
)

// envelope mirrors the feed wire format. The server package is internal.
type envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type secretPayload struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the feed handshake")
		cookie  = flag.String("cookie", "secrets_session", "Session cookie name")
		text    = flag.String("text", "the cake is a lie", "Secret to submit")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := url.Parse(strings.TrimRight(*baseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fatalf("invalid -url %q", *baseURL)
	}
	root := context.Background()

	user := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	session := mustRegister(root, base, user, *cookie, *timeout)
	if *verbose {
		fmt.Printf("registered %s\n", user)
	}

	if conn, err := dialFeed(root, base, *origin, nil, *timeout); err == nil {
		closeWS(conn)
		fatalf("anonymous feed handshake was accepted")
	}

	conn, err := dialFeed(root, base, *origin, session, *timeout)
	if err != nil {
		fatalf("feed dial: %v", err)
	}
	defer closeWS(conn)
	conn.SetReadLimit(maxReadBytes)

	mustReadType(root, conn, "hello_ack", *timeout)

	id := mustSubmit(root, base, session, *text, *timeout)
	if *verbose {
		fmt.Printf("submitted %s\n", id)
	}

	got := mustReadType(root, conn, "secret_new", *timeout)
	var sp secretPayload
	if err := json.Unmarshal(got.Payload, &sp); err != nil {
		fatalf("unmarshal secret_new: %v", err)
	}
	if sp.ID != id || sp.Body != *text {
		fatalf("secret_new mismatch: got=%+v want id=%s", sp, id)
	}

	mustWrite(root, conn, envelope{
		V:       "v1",
		Type:    "backlog_fetch",
		ID:      "smoke-backlog",
		TS:      time.Now().UTC(),
		Payload: json.RawMessage(`{"limit":20}`),
	}, *timeout)
	chunk := mustReadType(root, conn, "backlog_chunk", *timeout)
	var bp struct {
		Secrets []secretPayload `json:"secrets"`
	}
	if err := json.Unmarshal(chunk.Payload, &bp); err != nil {
		fatalf("unmarshal backlog_chunk: %v", err)
	}
	found := false
	for _, s := range bp.Secrets {
		if s.ID == id {
			found = true
			break
		}
	}
	if !found {
		fatalf("backlog_chunk missing %s", id)
	}

	fmt.Println("OK")
}

func mustRegister(parent context.Context, base *url.URL, user, cookieName string, stepTimeout time.Duration) *http.Cookie {
	body, _ := json.Marshal(map[string]string{"username": user, "password": "smoke-password-1"})
	resp := mustDo(parent, http.MethodPost, base.String()+"/register", body, nil, stepTimeout)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		fatalf("register: status %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == cookieName && c.Value != "" {
			return &http.Cookie{Name: c.Name, Value: c.Value}
		}
	}
	fatalf("register: no %s cookie", cookieName)
	return nil
}

func mustSubmit(parent context.Context, base *url.URL, session *http.Cookie, text string, stepTimeout time.Duration) string {
	body, _ := json.Marshal(map[string]string{"secret": text})
	resp := mustDo(parent, http.MethodPost, base.String()+"/submit", body, session, stepTimeout)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		fatalf("submit: status %d", resp.StatusCode)
	}
	var out secretPayload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("submit: decode: %v", err)
	}
	return out.ID
}

func mustDo(parent context.Context, method, target string, body []byte, session *http.Cookie, stepTimeout time.Duration) *http.Response {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if session != nil {
		req.AddCookie(session)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	return resp
}

func dialFeed(parent context.Context, base *url.URL, origin string, session *http.Cookie, stepTimeout time.Duration) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u := *base
	u.Scheme = "ws"
	if base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = "/secrets/feed"

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	if session != nil {
		h.Set("Cookie", session.Name+"="+session.Value)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if sp := conn.Subprotocol(); sp != subprotocol {
		closeWS(conn)
		return nil, fmt.Errorf("subprotocol mismatch: got=%q want=%q", sp, subprotocol)
	}
	return conn, nil
}

func mustReadType(parent context.Context, conn *websocket.Conn, want string, stepTimeout time.Duration) envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				fatalf("timeout waiting for %q", want)
			}
			fatalf("read while waiting for %q: %v", want, err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fatalf("decode envelope: %v", err)
		}
		switch env.Type {
		case want:
			return env
		case "error":
			var ep errorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
		case "secret_new":
			// Other clients may be submitting concurrently.
			continue
		default:
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, want)
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
