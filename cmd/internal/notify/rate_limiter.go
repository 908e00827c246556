package notify

import (
	"sync"
	"time"
)

const (
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)

// RateLimiter admits at most limit events per sliding window.
//
// Admitted timestamps live in a fixed ring, so a refusal can say exactly when
// the oldest event leaves the window.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	ring   []time.Time
	head   int
	n      int
}

// NewRateLimiter constructs a RateLimiter. Non-positive inputs fall back to
// 30 events per 10s.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{limit: limit, window: window, ring: make([]time.Time, limit)}
}

// Allow reports whether an event at now is admitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	ok, _ := r.Reserve(now)
	return ok
}

// Reserve admits an event at now, or reports how long until one would be.
func (r *RateLimiter) Reserve(now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expire(now)
	if r.n >= r.limit {
		return false, r.ring[r.head].Add(r.window).Sub(now)
	}
	r.ring[(r.head+r.n)%r.limit] = now
	r.n++
	return true, 0
}

// idle reports whether no admitted event is still inside the window.
func (r *RateLimiter) idle(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(now)
	return r.n == 0
}

func (r *RateLimiter) expire(now time.Time) {
	cut := now.Add(-r.window)
	for r.n > 0 && !r.ring[r.head].After(cut) {
		r.head = (r.head + 1) % r.limit
		r.n--
	}
}

// KeyedLimiter keeps one RateLimiter per key, such as a user id.
//
// Once it tracks maxKeys keys it forgets the idle ones before adding more.
type KeyedLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	maxKeys int
	keys    map[string]*RateLimiter
}

// NewKeyedLimiter constructs a KeyedLimiter. maxKeys <= 0 means 4096.
func NewKeyedLimiter(limit int, window time.Duration, maxKeys int) *KeyedLimiter {
	def := NewRateLimiter(limit, window)
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	return &KeyedLimiter{
		limit:   def.limit,
		window:  def.window,
		maxKeys: maxKeys,
		keys:    make(map[string]*RateLimiter),
	}
}

// Reserve is RateLimiter.Reserve for key.
func (k *KeyedLimiter) Reserve(key string, now time.Time) (bool, time.Duration) {
	k.mu.Lock()
	lim, ok := k.keys[key]
	if !ok {
		if len(k.keys) >= k.maxKeys {
			for id, l := range k.keys {
				if l.idle(now) {
					delete(k.keys, id)
				}
			}
		}
		lim = NewRateLimiter(k.limit, k.window)
		k.keys[key] = lim
	}
	k.mu.Unlock()

	return lim.Reserve(now)
}

// Len reports how many keys are tracked.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
