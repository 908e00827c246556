package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "github.com/CarstenHoyer/ginvite/shared/contracts/notify/v1"

	"github.com/coder/websocket"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type staticAuth map[string]string

func (a staticAuth) Authenticate(_ context.Context, token string) (string, error) {
	if uid, ok := a[token]; ok {
		return uid, nil
	}
	return "", errors.New("bad token")
}

func newTestGateway(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub(testLog)
	gw, err := NewGateway(testLog, hub, staticAuth{"tok-5": "5"}, GatewayConfig{OriginRequired: false})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialTest(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendHello(t *testing.T, ctx context.Context, conn *websocket.Conn, token string) {
	t.Helper()

	p, _ := json.Marshal(v1.HelloPayload{Token: token})
	b, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypeHello, ID: "h1", TS: time.Now().UTC(), Payload: p})
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write hello: %v", err)
	}
}

func readTestEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestGateway_HelloThenNoticePush(t *testing.T) {
	t.Parallel()

	hub, srv := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTest(t, ctx, srv)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	sendHello(t, ctx, conn, "tok-5")

	ack := readTestEnvelope(t, ctx, conn)
	if ack.Type != v1.TypeHelloAck {
		t.Fatalf("expected hello.ack, got %s", ack.Type)
	}
	var ackPayload v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &ackPayload); err != nil || ackPayload.UserID != "5" {
		t.Fatalf("unexpected ack payload: %s (%v)", ack.Payload, err)
	}
	if hub.Connected("5") != 1 {
		t.Fatalf("expected one registered session for user 5")
	}

	hub.Notify(ctx, "6", Notice{Message: "not for you"})
	hub.Notify(ctx, "5", Notice{Message: "You have accepted the group invitation.", Severity: SeverityStatus})

	env := readTestEnvelope(t, ctx, conn)
	if env.Type != v1.TypeNotice {
		t.Fatalf("expected notice, got %s", env.Type)
	}
	var p v1.NoticePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if p.Message != "You have accepted the group invitation." || p.Severity != "status" {
		t.Fatalf("unexpected notice: %+v", p)
	}
}

func TestGateway_RejectsBadToken(t *testing.T) {
	t.Parallel()

	hub, srv := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTest(t, ctx, srv)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	sendHello(t, ctx, conn, "wrong")

	env := readTestEnvelope(t, ctx, conn)
	if env.Type != v1.TypeError {
		t.Fatalf("expected error envelope, got %s", env.Type)
	}
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %q", p.Code)
	}

	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if hub.Connected("5") != 0 {
		t.Fatalf("expected no registered sessions")
	}
}

func TestGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	gw, err := NewGateway(testLog, NewHub(testLog), staticAuth{}, GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"https://app.example.com"},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "", ok: false},
		{origin: "https://app.example.com", ok: true},
		{origin: "https://app.example.com:8443", ok: true},
		{origin: "https://evil.example.com", ok: false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/notifications/ws", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		err := gw.enforceOrigin(req)
		if (err == nil) != tc.ok {
			t.Fatalf("origin %q: err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}

	if got := deriveOriginPatterns([]string{"https://b.example.com", "http://a.example.com:3000", "*"}); strings.Join(got, ",") != "*,a.example.com,b.example.com" {
		t.Fatalf("unexpected origin patterns: %v", got)
	}
}
