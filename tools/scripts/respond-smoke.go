// Package main is a CI-friendly end-to-end smoke test for a running ginvite server.
//
// The server must share GINVITE_TOKEN_SECRET (and issuer/audience) with this
// process and list the admin in GINVITE_BOOTSTRAP_ADMINS, e.g. "smoke:admin".
//
// It validates:
//   - notification WebSocket handshake, subprotocol and hello/ack
//   - invitation create by an admin
//   - pending-invitation header for the invitee
//   - accept, with the live notice pushed over the WebSocket
//   - a second answer is refused once the invitee is a member
//   - the notice inbox drains
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/security/token"
	v1 "github.com/CarstenHoyer/ginvite/shared/contracts/notify/v1"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"
)

const (
	maxReadBytes    = 1 << 20 // 1MiB
	acceptedMessage = "You have accepted the group invitation."
)

type notifyClient struct {
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

type smoke struct {
	base    string
	timeout time.Duration
	http    *http.Client
	verbose bool
}

func main() {
	var (
		baseURL = pflag.String("url", "http://127.0.0.1:8080", "server base URL")
		origin  = pflag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		groupID = pflag.String("group", "smoke", "group the admin may invite into")
		admin   = pflag.String("admin", "admin", "bootstrap admin user id")
		invitee = pflag.String("invitee", "", "invitee user id (default: unique per run)")
		timeout = pflag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = pflag.BoolP("verbose", "v", false, "verbose output")
	)
	pflag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid --url: %v", err)
	}
	if *invitee == "" {
		*invitee = fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	}

	issuer, err := token.NewIssuer(token.Config{
		Secret:   []byte(os.Getenv("GINVITE_TOKEN_SECRET")),
		Issuer:   envOr("GINVITE_TOKEN_ISSUER", "ginvite"),
		Audience: os.Getenv("GINVITE_TOKEN_AUDIENCE"),
	})
	if err != nil {
		fatalf("token issuer: %v", err)
	}
	adminTok := mustIssue(issuer, *admin)
	inviteeTok := mustIssue(issuer, *invitee)

	s := &smoke{
		base:    strings.TrimRight(*baseURL, "/"),
		timeout: *timeout,
		http:    &http.Client{Timeout: *timeout, CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
		verbose: *verbose,
	}
	root := context.Background()

	ws := mustConnect(root, wsURL(s.base)+"/notifications/ws", *origin, inviteeTok, *invitee, *timeout)
	defer func() { _ = ws.conn.Close(websocket.StatusNormalClosure, "bye") }()
	s.logf("connected as %s", *invitee)

	var created struct {
		Invitation struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"invitation"`
	}
	s.mustDo(root, http.MethodPost, "/groups/"+url.PathEscape(*groupID)+"/invitations", adminTok, map[string]any{
		"invitee_id":    *invitee,
		"invitee_email": *invitee + "@example.com",
		"roles":         []string{"member"},
	}, http.StatusCreated, &created)
	if created.Invitation.ID == "" || created.Invitation.Status != "pending" {
		fatalf("unexpected created invitation: %+v", created)
	}
	s.logf("created invitation %s", created.Invitation.ID)

	resp := s.mustDo(root, http.MethodGet, "/users/me/invitations", inviteeTok, nil, http.StatusOK, nil)
	if resp.Header.Get("X-Pending-Invitations") == "" {
		fatalf("missing X-Pending-Invitations header")
	}

	var answered struct {
		Invitation struct {
			Status string `json:"status"`
		} `json:"invitation"`
		Next string `json:"next"`
	}
	respondPath := "/invitations/" + url.PathEscape(created.Invitation.ID) + "/respond"
	s.mustDo(root, http.MethodPost, respondPath, inviteeTok, map[string]string{"operation": "accept"}, http.StatusOK, &answered)
	if answered.Invitation.Status != "accepted" || answered.Next == "" {
		fatalf("unexpected respond body: %+v", answered)
	}

	notice := ws.mustReadUntilType(root, v1.TypeNotice, *timeout)
	var np v1.NoticePayload
	if err := json.Unmarshal(notice.Payload, &np); err != nil {
		fatalf("notice payload: %v", err)
	}
	if np.Message != acceptedMessage || np.Severity != "status" {
		fatalf("unexpected notice: %+v", np)
	}
	s.logf("live notice: %q", np.Message)

	s.mustDo(root, http.MethodPost, respondPath, inviteeTok, map[string]string{"operation": "decline"}, http.StatusForbidden, nil)

	var notices struct {
		Notices []struct {
			Message string `json:"message"`
		} `json:"notices"`
	}
	s.mustDo(root, http.MethodGet, "/users/me/notices", inviteeTok, nil, http.StatusOK, &notices)
	if len(notices.Notices) == 0 {
		fatalf("expected queued notices for %s", *invitee)
	}
	s.mustDo(root, http.MethodGet, "/users/me/notices", inviteeTok, nil, http.StatusOK, &notices)
	if len(notices.Notices) != 0 {
		fatalf("inbox not drained: %+v", notices.Notices)
	}

	fmt.Println("OK")
}

func (s *smoke) mustDo(parent context.Context, method, path, bearer string, body any, wantStatus int, out any) *http.Response {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, rdr)
	if err != nil {
		fatalf("build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := s.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read %s %s: %v", method, path, err)
	}
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, resp.StatusCode, wantStatus, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fatalf("decode %s %s: %v", method, path, err)
		}
	}
	s.logf("%s %s -> %d", method, path, resp.StatusCode)
	return resp
}

func (s *smoke) logf(format string, args ...any) {
	if s.verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func mustConnect(parent context.Context, rawURL, origin, bearer, wantUser string, stepTimeout time.Duration) *notifyClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		if resp != nil {
			fatalf("dial failed: %v (status=%d)", err, resp.StatusCode)
		}
		fatalf("dial failed: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &notifyClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "smoke-hello",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: bearer}),
	}
	mustWrite(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload: %v", err)
	}
	if p.UserID != wantUser {
		fatalf("hello.ack user mismatch: got=%q want=%q", p.UserID, wantUser)
	}
	return c
}

func (c *notifyClient) startReadLoop() {
	go func() {
		defer close(c.inbox)
		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *notifyClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *notifyClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
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

func mustIssue(issuer *token.Issuer, userID string) string {
	tok, _, err := issuer.Issue(userID)
	if err != nil {
		fatalf("issue token for %s: %v", userID, err)
	}
	return tok
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	default:
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
