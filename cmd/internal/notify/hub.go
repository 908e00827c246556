package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/identity/ids"
	v1 "github.com/CarstenHoyer/ginvite/shared/contracts/notify/v1"
)

// Hub tracks connected websocket clients per user and pushes notices to them.
//
// Push never blocks: a notice is dropped for a client whose queue is full.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[string]*Client // user_id -> session_id -> client
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, clients: make(map[string]map[string]*Client)}
}

// Register adds a client under its user.
func (h *Hub) Register(c *Client) {
	if h == nil || c == nil || c.UserID == "" || c.SessionID == "" {
		return
	}
	h.mu.Lock()
	sessions := h.clients[c.UserID]
	if sessions == nil {
		sessions = make(map[string]*Client)
		h.clients[c.UserID] = sessions
	}
	sessions[c.SessionID] = c
	h.mu.Unlock()

	h.log.Info("notify.client.register", "user_id", c.UserID, "session_id", c.SessionID)
}

// Unregister removes a client and signals it to stop.
func (h *Hub) Unregister(c *Client) {
	if h == nil || c == nil {
		return
	}
	h.mu.Lock()
	if sessions := h.clients[c.UserID]; sessions != nil {
		delete(sessions, c.SessionID)
		if len(sessions) == 0 {
			delete(h.clients, c.UserID)
		}
	}
	h.mu.Unlock()

	c.Close()
	h.log.Info("notify.client.unregister",
		"user_id", c.UserID,
		"session_id", c.SessionID,
		"duration_ms", time.Since(c.Opened).Milliseconds(),
		"dropped", c.Dropped(),
	)
}

// Connected reports how many sessions userID has open.
func (h *Hub) Connected(userID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Notify implements Sink.
func (h *Hub) Notify(_ context.Context, userID string, n Notice) {
	if h == nil || userID == "" {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	payload, err := json.Marshal(v1.NoticePayload{
		Message:  n.Message,
		Severity: string(n.Severity),
		Link:     n.Link,
		At:       n.At,
	})
	if err != nil {
		return
	}
	env := newEnvelope(v1.TypeNotice, payload, n.At)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients[userID] {
		if c.push(env) == pushDropped {
			h.log.Info("notify.push.drop", "user_id", userID, "session_id", c.SessionID, "dropped", c.Dropped())
		}
	}
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := ids.NewULID(ts)
	if err != nil {
		id = ts.Format("20060102T150405.000000000")
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}
