// Package api exposes the invitation workflow over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/internal/invitation"
	"github.com/CarstenHoyer/ginvite/cmd/internal/notify"

	"github.com/go-chi/chi/v5"
)

const defaultMaxBodyBytes = 64 << 10 // 64 KiB

// Config controls request handling limits.
type Config struct {
	MaxBodyBytes int64

	// WriteRateEvents caps create, respond and delete calls per user within
	// WriteRateWindow. Zero means the default; negative disables the limit.
	WriteRateEvents int
	WriteRateWindow time.Duration
}

// Handler wires HTTP endpoints to the invitation Service.
type Handler struct {
	log   *slog.Logger
	cfg   Config
	svc   *invitation.Service
	auth  Authenticator
	inbox *notify.Inbox

	throttle *writeThrottle
}

// NewHandler constructs a Handler. Pending-invitation warnings go to inbox
// only; they repeat on every request and would flood a live connection.
func NewHandler(log *slog.Logger, svc *invitation.Service, auth Authenticator, inbox *notify.Inbox, cfg Config) (*Handler, error) {
	if svc == nil || auth == nil || inbox == nil {
		return nil, errors.New("api: service, authenticator and inbox are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	return &Handler{
		log:      log,
		cfg:      cfg,
		svc:      svc,
		auth:     auth,
		inbox:    inbox,
		throttle: newWriteThrottle(cfg.WriteRateEvents, cfg.WriteRateWindow),
	}, nil
}

// Register wires the invitation routes onto r. Every route requires a bearer token.
func (h *Handler) Register(r chi.Router) {
	if h == nil || r == nil {
		return
	}
	r.Group(func(r chi.Router) {
		r.Use(h.requireActor)
		r.Use(h.pendingNotice)

		r.Get("/groups/{groupID}/invitations", h.handleListGroup)
		r.Get("/invitations/{invitationID}", h.handleGet)
		r.Put("/invitations/{invitationID}", h.handleUpdate)
		r.Patch("/invitations/{invitationID}", h.handleUpdate)
		r.Get("/users/me/notices", h.handleNotices)
		r.Get("/users/{userID}/invitations", h.handleListUser)

		r.Group(func(r chi.Router) {
			r.Use(h.throttleWrites)
			r.Post("/groups/{groupID}/invitations", h.handleCreate)
			r.Delete("/invitations/{invitationID}", h.handleDelete)
			r.Post("/invitations/{invitationID}/respond", h.handleRespond)
		})
	})
}

// ---- handlers ----

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	var req createRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	inv, err := h.svc.Create(r.Context(), invitation.CreateInput{
		ActorID:      actor,
		GroupID:      chi.URLParam(r, "groupID"),
		InviteeID:    req.InviteeID,
		InviteeEmail: req.InviteeEmail,
		Roles:        req.Roles,
	})
	if err != nil {
		h.writeServiceError(r.Context(), w, "create", err)
		return
	}
	w.Header().Set("Location", "/invitations/"+url.PathEscape(inv.ID))
	writeJSON(w, http.StatusCreated, invitationEnvelope{Invitation: toInvitationResponse(inv)})
}

func (h *Handler) handleListGroup(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	var filter *invitation.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, err := invitation.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "status must be pending, accepted or rejected")
			return
		}
		filter = &st
	}

	list, err := h.svc.ListForGroup(r.Context(), actor, chi.URLParam(r, "groupID"), filter)
	if err != nil {
		h.writeServiceError(r.Context(), w, "list_group", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvitationList(list))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	inv, err := h.svc.Get(r.Context(), actor, chi.URLParam(r, "invitationID"))
	if err != nil {
		h.writeServiceError(r.Context(), w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, invitationEnvelope{Invitation: toInvitationResponse(inv)})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	if err := h.svc.Delete(r.Context(), actor, chi.URLParam(r, "invitationID")); err != nil {
		h.writeServiceError(r.Context(), w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdate refuses: Guard.CanUpdate never allows editing an invitation.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	inv := invitation.Invitation{ID: chi.URLParam(r, "invitationID")}
	if !h.svc.Guard().CanUpdate(inv, actor) {
		writeError(w, http.StatusForbidden, "forbidden", "invitations cannot be edited; create a new invitation instead")
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "update not supported")
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	var req respondRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	op, err := invitation.ParseOperation(req.Operation)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "operation must be accept or decline")
		return
	}

	res, err := h.svc.Respond(r.Context(), invitation.RespondInput{
		ActorID:      actor,
		InvitationID: chi.URLParam(r, "invitationID"),
		Operation:    op,
	})
	if err != nil {
		h.writeServiceError(r.Context(), w, "respond", err)
		return
	}

	if dest, ok := localDestination(r.URL.Query().Get("destination")); ok {
		http.Redirect(w, r, dest, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, respondResponse{
		Invitation: toInvitationResponse(res.Invitation),
		Next:       userInvitationsPath(actor),
	})
}

func (h *Handler) handleListUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	userID := chi.URLParam(r, "userID")
	if userID == "me" {
		userID = actor
	}
	list, err := h.svc.ListPendingForUser(r.Context(), actor, userID)
	if err != nil {
		h.writeServiceError(r.Context(), w, "list_user", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvitationList(list))
}

func (h *Handler) handleNotices(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	writeJSON(w, http.StatusOK, toNoticeList(h.inbox.Drain(actor)))
}

// ---- helpers ----

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	switch {
	case invitation.IsPartialAccept(err):
		h.log.ErrorContext(ctx, "api.invitation."+op+".partial", "err", err)
		writeError(w, http.StatusInternalServerError, "partial_accept", "membership created; invitation status update pending")
	case invitation.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case invitation.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "invitation not found")
	case invitation.IsForbidden(err):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	case invitation.IsInvalidState(err):
		writeError(w, http.StatusConflict, "invalid_state", "invitation is no longer pending")
	case invitation.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "an invitation or membership already exists")
	case invitation.IsPersistence(err):
		h.log.ErrorContext(ctx, "api.invitation."+op+".fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	default:
		h.log.ErrorContext(ctx, "api.invitation."+op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// localDestination accepts only same-site absolute paths so the respond
// redirect cannot be pointed at another host.
func localDestination(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	return raw, true
}

func userInvitationsPath(userID string) string {
	return "/users/" + url.PathEscape(userID) + "/invitations"
}
