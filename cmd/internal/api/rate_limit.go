package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/internal/notify"
)

const (
	defaultWriteRateEvents = 30
	defaultWriteRateWindow = time.Minute
	throttleMaxActors      = 4096
)

// writeThrottle limits create, respond and delete calls per acting user.
type writeThrottle struct {
	lim *notify.KeyedLimiter
}

// newWriteThrottle returns nil (no limit) when limit is negative.
func newWriteThrottle(limit int, window time.Duration) *writeThrottle {
	if limit < 0 {
		return nil
	}
	if limit == 0 {
		limit = defaultWriteRateEvents
	}
	if window <= 0 {
		window = defaultWriteRateWindow
	}
	return &writeThrottle{lim: notify.NewKeyedLimiter(limit, window, throttleMaxActors)}
}

func (t *writeThrottle) allow(actor string, now time.Time) (bool, time.Duration) {
	if t == nil {
		return true, 0
	}
	return t.lim.Reserve(actor, now)
}

func (h *Handler) throttleWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		if ok, wait := h.throttle.allow(actor, time.Now()); !ok {
			h.log.WarnContext(r.Context(), "api.throttle.limited", "user_id", actor, "path", r.URL.Path, "retry_after_ms", wait.Milliseconds())
			writeRateLimited(w, wait)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeRateLimited answers 429 with Retry-After rounded up to whole seconds.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
