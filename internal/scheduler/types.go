package scheduler

import (
	"context"
	"errors"
	"time"

	"studiobot/internal/reminder"
	"studiobot/internal/storage"
)

var (
	// ErrNotScheduled means the reminder time already passed. The caller
	// should treat it as a no-op.
	ErrNotScheduled = errors.New("scheduler: reminder time already passed, not scheduled")
	// ErrStopped is returned by the scheduling API while the scheduler drains.
	ErrStopped = errors.New("scheduler: stopping")
	// ErrSweepJob rejects operations reserved for reminder jobs.
	ErrSweepJob = errors.New("scheduler: sweep jobs cannot be cancelled")
)

// State is the scheduler lifecycle state.
type State int

const (
	Stopped State = iota
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Draining:
		return "draining"
	}
	return "unknown"
}

// Sweep names.
const (
	SweepDueReminders   = "due-reminders"
	SweepRetry          = "retry"
	SweepDailyReminders = "daily-reminders"
	SweepExpiryCheck    = "expiry-check"
	SweepWeeklyStats    = "weekly-stats"
)

// DefaultSweeps are the built-in sweep cadences.
var DefaultSweeps = map[string]string{
	SweepDueReminders:   "every 5m",
	SweepRetry:          "every 30m",
	SweepDailyReminders: "daily 18:00",
	SweepExpiryCheck:    "daily 10:00",
	SweepWeeklyStats:    "weekly mon 09:00",
}

// SweepOff disables a sweep in Config.Sweeps.
const SweepOff = "off"

type Config struct {
	Location *time.Location
	// Tick overrides the loop period. Zero derives it from the fastest
	// interval sweep.
	Tick time.Duration
	// Concurrency caps simultaneous dispatches per reminder kind.
	Concurrency map[reminder.Kind]int
	DrainGrace  time.Duration
	HoursBefore int
	DaysBefore  int
	// Sweeps overrides cadences by sweep name.
	Sweeps map[string]string
	// AdminChat receives the weekly stats report. Empty only logs it.
	AdminChat  string
	RetryBatch int
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	if c.HoursBefore <= 0 {
		c.HoursBefore = 2
	}
	if c.DaysBefore <= 0 {
		c.DaysBefore = 3
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = 100
	}
	conc := map[reminder.Kind]int{}
	for _, k := range []reminder.Kind{reminder.KindClassReminder, reminder.KindSubscriptionExpiry} {
		conc[k] = 4
		if n, ok := c.Concurrency[k]; ok && n > 0 {
			conc[k] = n
		}
	}
	c.Concurrency = conc
	return c
}

// Dispatcher runs claimed jobs and the retry pass.
type Dispatcher interface {
	Fire(ctx context.Context, job reminder.Job) error
	Retry(ctx context.Context, limit int) (int, error)
	Announce(ctx context.Context, recipient, body string) error
	StatsReport(st storage.Stats) (string, error)
}

// SweepInfo describes a registered sweep.
type SweepInfo struct {
	Name     string    `json:"name"`
	Cadence  string    `json:"cadence"`
	Next     time.Time `json:"next"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	LastSize int       `json:"last_items"`
}

type Snapshot struct {
	State    string                `json:"state"`
	Timezone string                `json:"timezone"`
	Tick     time.Duration         `json:"tick"`
	InFlight map[reminder.Kind]int `json:"in_flight"`
	Limits   map[reminder.Kind]int `json:"limits"`
	Sweeps   []SweepInfo           `json:"sweeps"`
	LastTick time.Time             `json:"last_tick,omitempty"`
	LastErr  string                `json:"last_error,omitempty"`
}
