// Package notify delivers user-facing notices (status, warning, error messages).
//
// Delivery is best effort: Sink.Notify has no error result and callers never
// depend on a notice arriving.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Severity classifies a notice for display.
type Severity string

const (
	SeverityStatus  Severity = "status"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is one user-facing message.
type Notice struct {
	Message  string
	Severity Severity
	Link     string
	At       time.Time

	// Repeat allows an identical undelivered notice to be queued twice.
	Repeat bool
}

func (n Notice) sameAs(o Notice) bool {
	return n.Message == o.Message && n.Severity == o.Severity && n.Link == o.Link
}

// Sink receives notices addressed to a user.
type Sink interface {
	Notify(ctx context.Context, userID string, n Notice)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, userID string, n Notice)

func (f SinkFunc) Notify(ctx context.Context, userID string, n Notice) { f(ctx, userID, n) }

// Discard drops every notice.
var Discard Sink = SinkFunc(func(context.Context, string, Notice) {})

// Fanout delivers each notice to every non-nil sink in order.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, userID string, n Notice) {
	for _, s := range f {
		if s == nil {
			continue
		}
		s.Notify(ctx, userID, n)
	}
}

// LogSink records notices in the structured log.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, userID string, n Notice) {
	if s.Log == nil {
		return
	}
	s.Log.DebugContext(ctx, "notify.notice",
		"user_id", userID,
		"severity", string(n.Severity),
		"message", n.Message,
	)
}
