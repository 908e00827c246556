package api

import (
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/internal/invitation"
	"github.com/CarstenHoyer/ginvite/cmd/internal/notify"
)

type createRequest struct {
	InviteeID    string   `json:"invitee_id"`
	InviteeEmail string   `json:"invitee_email"`
	Roles        []string `json:"roles"`
}

type respondRequest struct {
	Operation string `json:"operation"`
}

type invitationResponse struct {
	ID           string            `json:"id"`
	GroupID      string            `json:"group_id"`
	InviteeID    string            `json:"invitee_id"`
	InviteeEmail string            `json:"invitee_email"`
	Roles        []string          `json:"roles"`
	Status       invitation.Status `json:"status"`
	OwnerID      string            `json:"owner_id"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type invitationEnvelope struct {
	Invitation invitationResponse `json:"invitation"`
}

type invitationListResponse struct {
	Invitations []invitationResponse `json:"invitations"`
}

type respondResponse struct {
	Invitation invitationResponse `json:"invitation"`
	Next       string             `json:"next"`
}

type noticeResponse struct {
	Message  string    `json:"message"`
	Severity string    `json:"severity"`
	Link     string    `json:"link,omitempty"`
	At       time.Time `json:"at"`
}

type noticeListResponse struct {
	Notices []noticeResponse `json:"notices"`
}

func toInvitationResponse(inv invitation.Invitation) invitationResponse {
	roles := inv.Roles
	if roles == nil {
		roles = []string{}
	}
	return invitationResponse{
		ID:           inv.ID,
		GroupID:      inv.GroupID,
		InviteeID:    inv.InviteeID,
		InviteeEmail: inv.InviteeEmail,
		Roles:        roles,
		Status:       inv.Status,
		OwnerID:      inv.OwnerID,
		CreatedAt:    inv.CreatedAt,
		UpdatedAt:    inv.UpdatedAt,
	}
}

func toInvitationList(in []invitation.Invitation) invitationListResponse {
	out := make([]invitationResponse, 0, len(in))
	for _, inv := range in {
		out = append(out, toInvitationResponse(inv))
	}
	return invitationListResponse{Invitations: out}
}

func toNoticeList(in []notify.Notice) noticeListResponse {
	out := make([]noticeResponse, 0, len(in))
	for _, n := range in {
		out = append(out, noticeResponse{
			Message:  n.Message,
			Severity: string(n.Severity),
			Link:     n.Link,
			At:       n.At,
		})
	}
	return noticeListResponse{Notices: out}
}
