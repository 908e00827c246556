package api

import (
	"net/http"
	"strconv"

	"github.com/CarstenHoyer/ginvite/cmd/internal/notify"
)

const (
	pendingHeader  = "X-Pending-Invitations"
	pendingMessage = "You have pending group invitations."
)

// pendingNotice tells an authenticated user about invitations waiting for an
// answer: a count header on every response and one warning notice, which the
// inbox does not duplicate while it is still undelivered. Lookup failures are
// logged and never fail the request.
func (h *Handler) pendingNotice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		pending, err := h.svc.ListPendingForUser(r.Context(), actor, actor)
		if err != nil {
			h.log.Warn("api.pending.lookup_fail", "user_id", actor, "err", err)
			next.ServeHTTP(w, r)
			return
		}
		if n := len(pending); n > 0 {
			w.Header().Set(pendingHeader, strconv.Itoa(n))
			h.inbox.Notify(r.Context(), actor, notify.Notice{
				Message:  pendingMessage,
				Severity: notify.SeverityWarning,
				Link:     userInvitationsPath(actor),
			})
		}
		next.ServeHTTP(w, r)
	})
}
