package invitation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("invitation not found")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidState  = errors.New("invitation not pending")
	ErrConflict      = errors.New("conflict")
	ErrPersistence   = errors.New("persistence failure")
	ErrPartialAccept = errors.New("membership created but invitation status not updated")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
//
// Kind is one of the sentinel errors above. Err is the underlying cause, if any.
// errors.Is matches both.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// PartialAcceptError reports an accept that created the membership but failed
// to mark the invitation ACCEPTED. The invitation still reads PENDING.
// Re-running the accept (Service.Recover) converges it without creating a
// second membership.
type PartialAcceptError struct {
	InvitationID string
	GroupID      string
	UserID       string
	Err          error
}

func (e *PartialAcceptError) Error() string {
	msg := fmt.Sprintf("invitation %s: %v (group=%s user=%s)", e.InvitationID, ErrPartialAccept, e.GroupID, e.UserID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PartialAcceptError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPartialAccept}
	}
	return []error{ErrPartialAccept, e.Err}
}

func IsInvalidInput(err error) bool  { return errors.Is(err, ErrInvalidInput) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsForbidden(err error) bool     { return errors.Is(err, ErrForbidden) }
func IsInvalidState(err error) bool  { return errors.Is(err, ErrInvalidState) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsPersistence(err error) bool   { return errors.Is(err, ErrPersistence) }
func IsPartialAccept(err error) bool { return errors.Is(err, ErrPartialAccept) }
