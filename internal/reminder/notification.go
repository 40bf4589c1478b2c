package reminder

import (
	"slices"
	"time"
)

// State is the lifecycle state of a Notification.
type State string

const (
	StatePending   State = "pending"
	StateSent      State = "sent"
	StateFailed    State = "failed"
	StateExhausted State = "exhausted"
)

// States lists every notification state.
var States = []State{StatePending, StateSent, StateFailed, StateExhausted}

func (s State) Valid() bool { return slices.Contains(States, s) }

func (s State) Terminal() bool { return s == StateSent || s == StateExhausted }

// FailureKind classifies a delivery error.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
	FailureUnknown   FailureKind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on retry.
// Unknown failures are retried.
func (k FailureKind) Retryable() bool { return k != FailurePermanent }

// Notification is the delivery lineage of one rendered message.
type Notification struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	ClientID  string `json:"client_id"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`

	State             State       `json:"state"`
	Attempts          int         `json:"attempts"`
	LastAttemptAt     time.Time   `json:"last_attempt_at,omitempty"`
	LastError         FailureKind `json:"last_error,omitempty"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`

	// LeaseUntil is set while a delivery attempt is in flight.
	LeaseUntil time.Time `json:"lease_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leased reports whether an attempt holds the notification at now.
func (n Notification) Leased(now time.Time) bool {
	return !n.LeaseUntil.IsZero() && n.LeaseUntil.After(now)
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	At                time.Time
	ProviderMessageID string
	Failure           FailureKind
}

func (o Outcome) OK() bool { return o.Failure == FailureNone }

// Apply records an attempt outcome and returns the updated notification.
// Attempts only grow; Exhausted is reached after maxAttempts retryable
// failures or on the first permanent one.
func (n Notification) Apply(o Outcome, maxAttempts int) Notification {
	n.Attempts++
	n.LastAttemptAt = o.At
	n.UpdatedAt = o.At
	n.LeaseUntil = time.Time{}
	switch {
	case o.OK():
		n.State = StateSent
		n.ProviderMessageID = o.ProviderMessageID
		n.LastError = FailureNone
	case !o.Failure.Retryable():
		n.State = StateExhausted
		n.LastError = o.Failure
	default:
		n.LastError = o.Failure
		if maxAttempts > 0 && n.Attempts >= maxAttempts {
			n.State = StateExhausted
		} else {
			n.State = StateFailed
		}
	}
	return n
}

// Backoff is a deterministic retry spacing policy: Base doubled per extra
// attempt and capped at Max. With Max <= Base the spacing is fixed.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// For returns the wait required after the given number of attempts.
func (b Backoff) For(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
