package reminder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotRecorded marks a fire that failed before its notification was
// written. The claimed job can be put back to Scheduled without risking a
// duplicate send.
var ErrNotRecorded = errors.New("reminder: notification not recorded")

// Kind identifies what a Job does when it fires.
type Kind string

const (
	KindClassReminder      Kind = "class_reminder"
	KindSubscriptionExpiry Kind = "subscription_expiry"
	KindSweep              Kind = "sweep"
)

// Kinds lists every job kind in claim order.
var Kinds = []Kind{KindClassReminder, KindSubscriptionExpiry, KindSweep}

func (k Kind) Valid() bool {
	switch k {
	case KindClassReminder, KindSubscriptionExpiry, KindSweep:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobFired     JobStatus = "fired"
	JobCancelled JobStatus = "cancelled"
)

// Payload references the domain entities a job renders from. It carries
// identifiers and occurrence data only.
type Payload struct {
	ClientID       string    `json:"client_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	ClassStart     time.Time `json:"class_start,omitempty"`
	ClassType      string    `json:"class_type,omitempty"`
	ExpiryDate     time.Time `json:"expiry_date,omitempty"`
}

// Job is a schedulable unit of work.
type Job struct {
	ID      string  `json:"id"`
	Kind    Kind    `json:"kind"`
	Sweep   string  `json:"sweep,omitempty"`
	Cadence string  `json:"cadence,omitempty"`
	Payload Payload `json:"payload"`

	FireAt      time.Time `json:"fire_at"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	LastFiredAt time.Time `json:"last_fired_at,omitempty"`

	// Seq is the store's insertion order, used to break FireAt ties.
	Seq int64 `json:"seq"`
}

func (j Job) IsSweep() bool { return j.Kind == KindSweep }

// Due reports whether the job is Scheduled and its fire time has been reached.
func (j Job) Due(now time.Time) bool {
	return j.Status == JobScheduled && !j.FireAt.After(now)
}

const (
	occurrenceMinuteLayout = "20060102T1504Z"
	occurrenceDayLayout    = "20060102"
)

// JobID builds the deterministic id {kind}:{entity}:{occurrence}.
func JobID(kind Kind, entityID, occurrence string) string {
	return fmt.Sprintf("%s:%s:%s", kind, entityID, occurrence)
}

// ClassReminderID identifies the reminder for one client's class occurrence.
// The occurrence is normalized to UTC minutes so the id does not depend on the
// caller's timezone.
func ClassReminderID(clientID string, classStart time.Time) string {
	return JobID(KindClassReminder, clientID, classStart.UTC().Format(occurrenceMinuteLayout))
}

// SubscriptionExpiryID identifies the expiry reminder for one subscription end date.
func SubscriptionExpiryID(subscriptionID string, expiry time.Time) string {
	return JobID(KindSubscriptionExpiry, subscriptionID, expiry.Format(occurrenceDayLayout))
}

// SweepID identifies a periodic sweep job.
func SweepID(name string) string {
	return string(KindSweep) + ":" + name
}

// ParseJobID splits a job id into its parts. Sweep ids have no occurrence.
func ParseJobID(id string) (kind Kind, entity, occurrence string, err error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) < 2 || !Kind(parts[0]).Valid() {
		return "", "", "", fmt.Errorf("invalid job id %q", id)
	}
	kind = Kind(parts[0])
	entity = parts[1]
	if len(parts) == 3 {
		occurrence = parts[2]
	}
	if kind != KindSweep && occurrence == "" {
		return "", "", "", fmt.Errorf("invalid job id %q: missing occurrence", id)
	}
	return kind, entity, occurrence, nil
}
