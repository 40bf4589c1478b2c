// Package delivery defines the channel contract reminders are sent through
// and the closed failure taxonomy the retry logic relies on.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"studiobot/internal/reminder"
)

// ErrNoRecipient means the client has no address on the channel.
var ErrNoRecipient = errors.New("delivery: no recipient address")

// Receipt is returned on a successful send.
type Receipt struct {
	MessageID string
}

// Channel sends a rendered message to one recipient. Send must honor ctx
// and return failures as *Error (or errors Classify understands).
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient, body string) (Receipt, error)
}

// Error is a classified delivery failure.
type Error struct {
	Kind reminder.FailureKind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return "delivery " + string(e.Kind)
	}
	return fmt.Sprintf("delivery %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(err error) error { return &Error{Kind: reminder.FailureTransient, Err: err} }
func Permanent(err error) error { return &Error{Kind: reminder.FailurePermanent, Err: err} }

// Classify maps err onto the failure taxonomy. nil is FailureNone.
func Classify(err error) reminder.FailureKind {
	if err == nil {
		return reminder.FailureNone
	}
	var de *Error
	if errors.As(err, &de) && de.Kind != reminder.FailureNone {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrNoRecipient):
		return reminder.FailurePermanent
	case errors.Is(err, context.DeadlineExceeded):
		return reminder.FailureTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return reminder.FailureTransient
	}
	return reminder.FailureUnknown
}
