package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the shape of a Schedule.
type Kind int

const (
	KindOffset Kind = iota
	KindInterval
	KindDaily
	KindWeekly
	KindCron
)

// Schedule is either a one-off offset ("Before ahead of EventAt") or a
// recurring cadence.
type Schedule struct {
	Kind Kind

	EventAt time.Time
	Before  time.Duration

	Every time.Duration

	Weekday time.Weekday
	Hour    int
	Minute  int

	Expr string
}

func Offset(eventAt time.Time, before time.Duration) Schedule {
	return Schedule{Kind: KindOffset, EventAt: eventAt, Before: before}
}

func Every(d time.Duration) Schedule { return Schedule{Kind: KindInterval, Every: d} }

func Daily(hour, minute int) Schedule {
	return Schedule{Kind: KindDaily, Hour: hour, Minute: minute}
}

func Weekly(day time.Weekday, hour, minute int) Schedule {
	return Schedule{Kind: KindWeekly, Weekday: day, Hour: hour, Minute: minute}
}

func Cron(expr string) Schedule { return Schedule{Kind: KindCron, Expr: strings.TrimSpace(expr)} }

// String renders a cadence in the form ParseCadence accepts.
func (s Schedule) String() string {
	switch s.Kind {
	case KindOffset:
		return fmt.Sprintf("%s before %s", s.Before, s.EventAt.Format(time.RFC3339))
	case KindInterval:
		return "every " + s.Every.String()
	case KindDaily:
		return fmt.Sprintf("daily %02d:%02d", s.Hour, s.Minute)
	case KindWeekly:
		return fmt.Sprintf("weekly %s %02d:%02d", weekdayShort(s.Weekday), s.Hour, s.Minute)
	case KindCron:
		return "cron:" + s.Expr
	}
	return ""
}

// cronSpec returns the 5-field cron expression for wall-clock cadences.
func (s Schedule) cronSpec() (string, error) {
	switch s.Kind {
	case KindDaily:
		return fmt.Sprintf("%d %d * * *", s.Minute, s.Hour), nil
	case KindWeekly:
		return fmt.Sprintf("%d %d * * %d", s.Minute, s.Hour, int(s.Weekday)), nil
	case KindCron:
		return s.Expr, nil
	}
	return "", fmt.Errorf("schedule kind %d has no cron form", s.Kind)
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Evaluator computes fire times. Cadence arithmetic happens in a single
// reference location regardless of the host timezone.
type Evaluator struct {
	loc *time.Location
}

func NewEvaluator(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	return &Evaluator{loc: loc}
}

func (e *Evaluator) Location() *time.Location { return e.loc }

// Next returns the next fire time for s at now.
//
// Offset schedules return EventAt-Before as long as EventAt is still ahead of
// now; the result may itself be in the past and callers decide what to do
// with that. Cadences return the first occurrence strictly after now.
// ok is false when there is nothing to schedule.
func (e *Evaluator) Next(s Schedule, now time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindOffset:
		if s.EventAt.IsZero() || !s.EventAt.After(now) {
			return time.Time{}, false
		}
		return s.EventAt.Add(-s.Before).In(e.loc), true
	case KindInterval:
		if s.Every <= 0 {
			return time.Time{}, false
		}
		return cron.Every(s.Every).Next(now.In(e.loc)), true
	default:
		sched, err := e.compile(s)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(now.In(e.loc))
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	}
}

func (e *Evaluator) compile(s Schedule) (cron.Schedule, error) {
	spec, err := s.cronSpec()
	if err != nil {
		return nil, err
	}
	return parser.Parse(spec)
}

func weekdayShort(d time.Weekday) string {
	return strings.ToLower(d.String()[:3])
}
