package notify

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultInboxCap      = 50
	defaultInboxTTL      = 24 * time.Hour
	defaultInboxMaxUsers = 10000
)

// Inbox keeps undelivered notices per user until they are drained.
//
// A notice identical to one already waiting is dropped unless Notice.Repeat is set.
// Each user's queue is bounded; the oldest notice is evicted on overflow.
// A queue nobody has added to for the TTL is forgotten, and at most maxUsers
// queues are kept, evicting the least recently touched.
type Inbox struct {
	mu       sync.Mutex
	cap      int
	ttl      time.Duration
	maxUsers int
	now      func() time.Time
	boxes    map[string]*userBox
}

type userBox struct {
	notices []Notice
	touched time.Time
}

// InboxOption configures Inbox.
type InboxOption func(*Inbox)

// WithInboxTTL sets how long an untouched queue is kept (default 24h).
func WithInboxTTL(d time.Duration) InboxOption {
	return func(b *Inbox) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// WithInboxMaxUsers caps how many users may have a queue (default 10000).
func WithInboxMaxUsers(n int) InboxOption {
	return func(b *Inbox) {
		if n > 0 {
			b.maxUsers = n
		}
	}
}

// WithInboxClock overrides time.Now (tests).
func WithInboxClock(now func() time.Time) InboxOption {
	return func(b *Inbox) {
		if now != nil {
			b.now = now
		}
	}
}

// NewInbox constructs an Inbox holding at most perUser notices per user.
func NewInbox(perUser int, opts ...InboxOption) *Inbox {
	if perUser <= 0 {
		perUser = defaultInboxCap
	}
	b := &Inbox{
		cap:      perUser,
		ttl:      defaultInboxTTL,
		maxUsers: defaultInboxMaxUsers,
		now:      func() time.Time { return time.Now().UTC() },
		boxes:    make(map[string]*userBox),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Notify implements Sink.
func (b *Inbox) Notify(_ context.Context, userID string, n Notice) {
	userID = strings.TrimSpace(userID)
	if b == nil || userID == "" || strings.TrimSpace(n.Message) == "" {
		return
	}
	now := b.now()
	if n.Severity == "" {
		n.Severity = SeverityStatus
	}
	if n.At.IsZero() {
		n.At = now
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	box := b.live(userID, now)
	if box == nil {
		b.makeRoom(now)
		box = &userBox{}
		b.boxes[userID] = box
	}
	box.touched = now

	if !n.Repeat {
		for _, existing := range box.notices {
			if existing.sameAs(n) {
				return
			}
		}
	}
	box.notices = append(box.notices, n)
	if len(box.notices) > b.cap {
		box.notices = box.notices[len(box.notices)-b.cap:]
	}
}

// Drain returns and removes every waiting notice for userID, oldest first.
func (b *Inbox) Drain(userID string) []Notice {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	box := b.live(userID, b.now())
	delete(b.boxes, userID)
	if box == nil {
		return nil
	}
	return box.notices
}

// Len reports how many notices are waiting for userID.
func (b *Inbox) Len(userID string) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if box := b.live(userID, b.now()); box != nil {
		return len(box.notices)
	}
	return 0
}

// Users reports how many users have a queue.
func (b *Inbox) Users() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.boxes)
}

// live returns userID's queue, dropping it first if it has expired. Caller holds mu.
func (b *Inbox) live(userID string, now time.Time) *userBox {
	box := b.boxes[userID]
	if box != nil && b.expired(box, now) {
		delete(b.boxes, userID)
		return nil
	}
	return box
}

func (b *Inbox) expired(box *userBox, now time.Time) bool {
	return now.Sub(box.touched) >= b.ttl
}

// makeRoom frees a slot for a new user. Caller holds mu.
func (b *Inbox) makeRoom(now time.Time) {
	if len(b.boxes) < b.maxUsers {
		return
	}
	var (
		oldestID string
		oldest   time.Time
	)
	for id, box := range b.boxes {
		if b.expired(box, now) {
			delete(b.boxes, id)
			continue
		}
		if oldestID == "" || box.touched.Before(oldest) {
			oldestID, oldest = id, box.touched
		}
	}
	if len(b.boxes) >= b.maxUsers && oldestID != "" {
		delete(b.boxes, oldestID)
	}
}
