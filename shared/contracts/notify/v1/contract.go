// Package v1 defines the ginvite notification WebSocket protocol v1.
//
// It is shared between the server and clients so the wire format has one source of truth.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	// Subprotocol is negotiated during the WebSocket handshake.
	Subprotocol = "ginvite.notify.v1"

	TypeHello    = "hello"
	TypeHelloAck = "hello.ack"
	TypeNotice   = "notice"
	TypeError    = "error"
)

var AllowedTypes = map[string]struct{}{
	TypeHello:    {},
	TypeHelloAck: {},
	TypeNotice:   {},
	TypeError:    {},
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload authenticates the connection with a bearer token.
type HelloPayload struct {
	Token string `json:"token"`
}

type HelloAckPayload struct {
	UserID string `json:"user_id"`
}

// NoticePayload carries one user-facing message.
type NoticePayload struct {
	Message  string    `json:"message"`
	Severity string    `json:"severity"`
	Link     string    `json:"link,omitempty"`
	At       time.Time `json:"at"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
