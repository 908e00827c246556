package notify

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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/identity/ids"
	v1 "github.com/CarstenHoyer/ginvite/shared/contracts/notify/v1"

	"github.com/coder/websocket"
)

const (
	maxFrameBytes = 16 << 10 // 16 KiB

	wsMinSendQueueSize = 8
	wsMaxPingFailures  = 3
	wsCloseGrace       = 1 * time.Second
)

// Authenticator resolves a bearer token presented in the hello envelope to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// GatewayConfig controls the notification websocket endpoint.
type GatewayConfig struct {
	OriginRequired bool
	AllowedOrigins []string

	HelloTimeout    time.Duration
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the defaults used when a field is left zero.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		HelloTimeout:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadIdleTimeout:  2 * time.Minute,
		SendQueueSize:    64,
		HeartbeatEvery:   25 * time.Second,
		HeartbeatTimeout: 5 * time.Second,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// Gateway is the websocket entrypoint for live notices.
//
// A client connects with the ginvite.notify.v1 subprotocol, sends a hello
// envelope carrying its bearer token, and then only receives: notice envelopes
// pushed through the Hub, plus error envelopes for anything it sends.
type Gateway struct {
	log  *slog.Logger
	hub  *Hub
	auth Authenticator
	cfg  GatewayConfig

	originPatterns []string
}

// NewGateway constructs a Gateway. Zero config fields fall back to DefaultGatewayConfig.
func NewGateway(log *slog.Logger, hub *Hub, auth Authenticator, cfg GatewayConfig) (*Gateway, error) {
	if hub == nil || auth == nil {
		return nil, errors.New("notify: gateway requires hub and authenticator")
	}
	if log == nil {
		log = slog.Default()
	}

	def := DefaultGatewayConfig()
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = def.AllowedOrigins
	}
	cfg.HelloTimeout = nonZero(cfg.HelloTimeout, def.HelloTimeout)
	cfg.WriteTimeout = nonZero(cfg.WriteTimeout, def.WriteTimeout)
	cfg.ReadIdleTimeout = nonZero(cfg.ReadIdleTimeout, def.ReadIdleTimeout)
	cfg.HeartbeatEvery = nonZero(cfg.HeartbeatEvery, def.HeartbeatEvery)
	cfg.HeartbeatTimeout = nonZero(cfg.HeartbeatTimeout, def.HeartbeatTimeout)
	cfg.RateWindow = nonZero(cfg.RateWindow, def.RateWindow)
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = def.RateEvents
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = def.SendQueueSize
	}

	return &Gateway{
		log:            log,
		hub:            hub,
		auth:           auth,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP upgrades the request and runs the session until either side closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("notify.ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("notify.ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("notify.ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	userID, err := g.awaitHello(ctx, conn)
	if err != nil {
		g.log.Info("notify.ws.hello.fail", "err", err, "remote", r.RemoteAddr)
		_ = writeEnvelope(ctx, conn, errorEnvelope("unauthorized", "hello with a valid token required"), g.cfg.WriteTimeout)
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(userID, sessionID, g.cfg.SendQueueSize)
	g.hub.Register(client)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(client)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Outbox():
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("notify.ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
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

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{UserID: userID})
	g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC()))

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()
		if err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				g.enqueue(ctx, client, errorEnvelope("bad_json", "invalid JSON"))
				continue
			}
			if !isPeerGone(err) {
				g.log.Info("notify.ws.read.fail", "session_id", sessionID, "err", err)
			}
			shutdown(websocket.StatusNormalClosure, "read ended")
			break
		}

		if !rl.Allow(time.Now().UTC()) {
			g.enqueue(ctx, client, errorEnvelope("rate_limited", "too many events"))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}
		if err := env.Validate(); err != nil {
			g.enqueue(ctx, client, errorEnvelope("bad_envelope", err.Error()))
			continue
		}
		switch env.Type {
		case v1.TypeHello:
			g.enqueue(ctx, client, errorEnvelope("already_authenticated", "hello already accepted"))
		default:
			g.enqueue(ctx, client, errorEnvelope("unsupported", fmt.Sprintf("unsupported type: %s", env.Type)))
		}
	}

	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *Gateway) awaitHello(parent context.Context, conn *websocket.Conn) (string, error) {
	ctx, cancel := context.WithTimeout(parent, g.cfg.HelloTimeout)
	defer cancel()

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		return "", err
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	if env.Type != v1.TypeHello {
		return "", fmt.Errorf("expected hello, got %s", env.Type)
	}
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid hello payload: %w", err)
	}
	tok := strings.TrimSpace(p.Token)
	if tok == "" {
		return "", errors.New("missing token")
	}
	return g.auth.Authenticate(ctx, tok)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	return client.Push(env)
}

func errorEnvelope(code, msg string) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return newEnvelope(v1.TypeError, p, time.Now().UTC())
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func isPeerGone(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
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
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
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

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns so
// both origin checks agree.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func nonZero(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
