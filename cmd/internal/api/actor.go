package api

import (
	"context"
	"net/http"
	"strings"
)

// Authenticator resolves a bearer token to the acting user's id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

type actorKey struct{}

// WithActor returns a copy of ctx carrying the acting user's id.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom returns the acting user's id set by the auth middleware.
func ActorFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(actorKey{}).(string)
	return v, ok && v != ""
}

func (h *Handler) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		userID, err := h.auth.Authenticate(r.Context(), tok)
		if err != nil || strings.TrimSpace(userID) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), userID)))
	})
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
