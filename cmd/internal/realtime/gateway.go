package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"secrets/cmd/identity"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "secrets.feed.v1"

	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// SecretLister serves backlog requests.
type SecretLister interface {
	ListSecrets(ctx context.Context, limit int) ([]identity.Secret, error)
}

// IdentityFunc extracts the authenticated identity that an outer middleware
// attached to the request context.
type IdentityFunc func(ctx context.Context) (identity.Identity, bool)

// Gateway is the WebSocket entrypoint for the live secrets feed.
//
// It only accepts authenticated requests, enforces origin policy,
// subprotocol selection, rate limits and heartbeats, and streams every
// secret the Hub publishes.
type Gateway struct {
	log    *slog.Logger
	hub    *Hub
	lister SecretLister
	whoami IdentityFunc
	cfg    GatewayConfig

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// NewGateway constructs a gateway. whoami decides who is connecting; a
// request it does not recognise is rejected with 401.
func NewGateway(log *slog.Logger, cfg GatewayConfig, hub *Hub, lister SecretLister, whoami IdentityFunc) (*Gateway, error) {
	if hub == nil || lister == nil || whoami == nil {
		return nil, errors.New("realtime: hub, lister and identity func are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalize()
	return &Gateway{
		log:    log,
		hub:    hub,
		lister: lister,
		whoami: whoami,
		cfg:    cfg,
		// websocket.Accept enforces its own origin policy for cross-origin
		// requests. Derive its patterns from our allowlist so both layers agree.
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP upgrades an authenticated request and runs the feed loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	who, ok := g.whoami(r.Context())
	if !ok || who.ID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{wsSubprotocolV1},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(connID, who.ID, g.cfg.SendQueueSize)

	// The upgraded connection outlives the session check that admitted it,
	// so cap its lifetime and let the client reconnect through the gate.
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.MaxLifetime)
	defer cancel()

	var closeOnce sync.Once
	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unsubscribe(connID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.hub.Subscribe(client)
	g.log.Info("ws.open", "conn_id", connID, "identity_id", who.ID)

	ackPayload, _ := json.Marshal(HelloAckPayload{ConnectionID: connID})
	_ = g.enqueue(ctx, client, newEnvelope(TypeHelloAck, ackPayload, time.Now().UTC()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				shutdown(websocket.StatusGoingAway, "session lifetime reached")
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)
	// Every inbound frame counts, malformed ones included.
	limited := func() bool {
		if rl.Allow(time.Now().UTC()) {
			return false
		}
		g.trySendError(ctx, client, "rate_limited", "too many events")
		shutdown(websocket.StatusPolicyViolation, "rate limited")
		return true
	}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				if limited() {
					break readLoop
				}
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if limited() {
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case TypeBacklogFetch:
			if err := g.onBacklogFetch(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "backlog_failed", err.Error())
			}
		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "conn_id", connID)
}

// ---- handlers ----

func (g *Gateway) onBacklogFetch(ctx context.Context, client *Client, env Envelope) error {
	var p BacklogFetchPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultBacklogLimit
	}
	if limit > maxBacklogLimit {
		limit = maxBacklogLimit
	}

	list, err := g.lister.ListSecrets(ctx, limit)
	if err != nil {
		g.log.Error("ws.backlog.fail", "conn_id", client.ConnID, "err", err)
		return errors.New("backlog unavailable")
	}

	out := make([]SecretPayload, 0, len(list))
	for _, s := range list {
		out = append(out, toSecretPayload(s))
	}
	chunkPayload, _ := json.Marshal(BacklogChunkPayload{Secrets: out})
	if !g.enqueue(ctx, client, newEnvelope(TypeBacklogChunk, chunkPayload, time.Now().UTC())) {
		return errors.New("backpressure: backlog chunk")
	}
	return nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(TypeError, p, time.Now().UTC()))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) Envelope {
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      newEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad badJSONError
	switch {
	case errors.As(err, &bad):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		switch {
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns returns the sorted, de-duplicated hosts of allowed.
// websocket.Accept matches these against the Origin host.
func deriveOriginPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		// "*" is honoured explicitly by enforceOrigin; Accept needs it as a pattern too.
		out = append(out, h)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
