package invitation

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an invitation.
type Status uint8

const (
	StatusPending Status = iota
	StatusAccepted
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool { return s <= StatusRejected }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusAccepted || s == StatusRejected }

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invitation: invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus parses the lower-case status name.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "accepted":
		return StatusAccepted, nil
	case "rejected":
		return StatusRejected, nil
	default:
		return 0, OpError{Op: "invitation.ParseStatus", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown status %q", s)}
	}
}

// Operation is the invitee's answer to an invitation.
type Operation string

const (
	OperationAccept  Operation = "accept"
	OperationDecline Operation = "decline"
)

// ParseOperation parses "accept" or "decline".
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case OperationAccept, OperationDecline:
		return op, nil
	default:
		return "", OpError{Op: "invitation.ParseOperation", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown operation %q", s)}
	}
}

// Invitation is an offer for a user to join a group with a set of roles.
//
// GroupID, InviteeID, InviteeEmail, Roles and OwnerID are fixed at creation.
// Status moves at most once, away from StatusPending.
type Invitation struct {
	ID           string
	GroupID      string
	InviteeID    string
	InviteeEmail string
	Roles        []string
	Status       Status
	OwnerID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Pending reports whether the invitation still awaits an answer.
func (i Invitation) Pending() bool { return i.Status == StatusPending }

func cloneInvitation(in Invitation) Invitation {
	out := in
	out.Roles = append([]string(nil), in.Roles...)
	if out.Roles == nil {
		out.Roles = []string{}
	}
	return out
}
