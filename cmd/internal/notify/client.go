package notify

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/CarstenHoyer/ginvite/shared/contracts/notify/v1"
)

const defaultOutboxSize = 64

type pushResult int

const (
	pushQueued pushResult = iota
	pushDropped
	pushClosed
)

// Client is one live notification session. Delivery is one way: the server
// pushes envelopes and the peer only sends hello and keepalives.
//
// The outbox is never closed, so a push racing a disconnect cannot panic.
type Client struct {
	SessionID string
	UserID    string
	Opened    time.Time

	outbox  chan v1.Envelope
	dropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client whose outbox holds up to outboxSize envelopes.
func NewClient(userID, sessionID string, outboxSize int) *Client {
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Opened:    time.Now().UTC(),
		outbox:    make(chan v1.Envelope, outboxSize),
		done:      make(chan struct{}),
	}
}

// Push queues env without blocking. A full outbox drops env and counts it.
func (c *Client) Push(env v1.Envelope) bool {
	return c.push(env) == pushQueued
}

func (c *Client) push(env v1.Envelope) pushResult {
	if c == nil {
		return pushClosed
	}
	select {
	case <-c.done:
		return pushClosed
	default:
	}
	select {
	case c.outbox <- env:
		return pushQueued
	default:
		c.dropped.Add(1)
		return pushDropped
	}
}

// Outbox yields queued envelopes to the session writer.
func (c *Client) Outbox() <-chan v1.Envelope { return c.outbox }

// Queued reports how many envelopes wait in the outbox.
func (c *Client) Queued() int {
	if c == nil {
		return 0
	}
	return len(c.outbox)
}

// Dropped reports how many envelopes were discarded on a full outbox.
func (c *Client) Dropped() uint64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Done is closed once the session is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close stops further pushes. Safe to call more than once.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}
