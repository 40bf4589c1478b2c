package eventbus

// Event types published by the scheduler and dispatcher.
const (
	JobScheduled = "job.scheduled"
	JobCancelled = "job.cancelled"
	JobFired     = "job.fired"
	JobSkipped   = "job.skipped"

	NotificationSent      = "notification.sent"
	NotificationFailed    = "notification.failed"
	NotificationExhausted = "notification.exhausted"
	NotificationAbandoned = "notification.abandoned"

	SweepFinished = "sweep.finished"
	SweepFailed   = "sweep.failed"

	TickFailed = "scheduler.tick_failed"
)

// JobEvent is the payload for job.* events.
type JobEvent struct {
	JobID  string `json:"job_id"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

// NotificationEvent is the payload for notification.* events.
type NotificationEvent struct {
	NotificationID string `json:"notification_id"`
	JobID          string `json:"job_id"`
	ClientID       string `json:"client_id"`
	Attempts       int    `json:"attempts"`
	Failure        string `json:"failure,omitempty"`
}

// SweepEvent is the payload for sweep.* events.
type SweepEvent struct {
	Name  string `json:"name"`
	Items int    `json:"items"`
	Error string `json:"error,omitempty"`
}
