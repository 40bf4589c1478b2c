package storage

import (
	"context"
	"errors"
	"time"

	"studiobot/internal/reminder"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict means a notification changed under a writer that did not
	// hold its lease.
	ErrConflict = errors.New("storage: concurrent update")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL, Path is the connection string
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxOpenConn int           // postgres only
}

// PutResult tells the caller what Put did. Every result leaves at most one
// live job for the id.
type PutResult int

const (
	PutInserted PutResult = iota
	PutReplaced
	// PutKept means a one-off job already fired or was cancelled; it is
	// never re-armed.
	PutKept
)

func (r PutResult) String() string {
	switch r {
	case PutInserted:
		return "inserted"
	case PutReplaced:
		return "replaced"
	case PutKept:
		return "kept"
	}
	return "unknown"
}

// CancelResult is the outcome of Cancel. Only CancelOK changes state.
type CancelResult int

const (
	CancelOK CancelResult = iota
	CancelNotFound
	CancelFired
	CancelAlready
)

func (r CancelResult) String() string {
	switch r {
	case CancelOK:
		return "cancelled"
	case CancelNotFound:
		return "not_found"
	case CancelFired:
		return "already_fired"
	case CancelAlready:
		return "already_cancelled"
	}
	return "unknown"
}

// ClaimLimits caps how many jobs of each kind one ClaimDue call may take.
// Kinds missing from the map are not claimed.
type ClaimLimits map[reminder.Kind]int

type JobFilter struct {
	Kind   reminder.Kind
	Status reminder.JobStatus
	Limit  int
}

func (f JobFilter) match(j reminder.Job) bool {
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}

type NotificationFilter struct {
	State    reminder.State
	ClientID string
	JobID    string
	Limit    int
}

func (f NotificationFilter) match(n reminder.Notification) bool {
	if f.State != "" && n.State != f.State {
		return false
	}
	if f.ClientID != "" && n.ClientID != f.ClientID {
		return false
	}
	if f.JobID != "" && n.JobID != f.JobID {
		return false
	}
	return true
}

// RetryQuery selects notifications the retry sweep may resend: Failed ones
// whose backoff elapsed, and Pending ones whose attempt lease lapsed.
type RetryQuery struct {
	Now         time.Time
	MaxAttempts int
	Backoff     reminder.Backoff
	Limit       int
}

func (q RetryQuery) eligible(n reminder.Notification) bool {
	if q.MaxAttempts > 0 && n.Attempts >= q.MaxAttempts {
		return false
	}
	switch n.State {
	case reminder.StateFailed:
		return !q.Now.Before(n.LastAttemptAt.Add(q.Backoff.For(n.Attempts)))
	case reminder.StatePending:
		return !n.Leased(q.Now)
	}
	return false
}

// Stats summarizes the ledger for reports.
type Stats struct {
	Since   time.Time              `json:"since"`
	ByState map[reminder.State]int `json:"by_state"`
	Total   int                    `json:"total"`
	Retried int                    `json:"retried"`
}

// JobStore is the registry of scheduled jobs keyed by deterministic id.
// Mutations are linearizable per id.
type JobStore interface {
	Put(ctx context.Context, job reminder.Job) (PutResult, error)
	Cancel(ctx context.Context, id string) (CancelResult, error)
	// ClaimDue atomically moves due Scheduled jobs to Fired and returns them
	// ordered by FireAt then insertion order. Concurrent callers never get
	// the same job.
	ClaimDue(ctx context.Context, now time.Time, limits ClaimLimits) ([]reminder.Job, error)
	// Unclaim moves a Fired job back to Scheduled. It reports false when the
	// job is not Fired.
	Unclaim(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (reminder.Job, error)
	List(ctx context.Context, f JobFilter) ([]reminder.Job, error)
}

// Ledger records notification lifecycles. A notification is written only by
// the holder of its lease.
type Ledger interface {
	// Create inserts a new notification. It should already carry a lease.
	Create(ctx context.Context, n reminder.Notification) error
	Get(ctx context.Context, id string) (reminder.Notification, error)
	List(ctx context.Context, f NotificationFilter) ([]reminder.Notification, error)
	// Acquire leases a Failed or lapsed Pending notification for one retry.
	// ok is false when another attempt holds it or it is no longer retryable.
	Acquire(ctx context.Context, id string, now time.Time, lease time.Duration) (n reminder.Notification, ok bool, err error)
	// Record applies an attempt outcome and clears the lease.
	Record(ctx context.Context, id string, o reminder.Outcome, maxAttempts int) (reminder.Notification, error)
	// Release drops the lease of an abandoned attempt; the state stays Pending.
	Release(ctx context.Context, id string, at time.Time) error
	RetryCandidates(ctx context.Context, q RetryQuery) ([]reminder.Notification, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

// Store bundles both stores behind one backend.
type Store interface {
	Jobs() JobStore
	Notifications() Ledger
	Driver() string
	Close() error
}
