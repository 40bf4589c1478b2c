package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studiobot/internal/eventbus"
	"studiobot/internal/reminder"
	"studiobot/internal/runtime/supervisor"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

const unclaimTimeout = 5 * time.Second

// sweepDueReminders claims due reminder jobs up to the free capacity of each
// kind and dispatches them without waiting. Work beyond the caps stays
// Scheduled for the next run.
func (s *Service) sweepDueReminders(ctx context.Context) (int, error) {
	s.mu.Lock()
	work, state := s.work, s.state
	s.mu.Unlock()
	if work == nil || state != Running {
		return 0, nil
	}

	limits := storage.ClaimLimits{}
	for kind, sem := range s.sems {
		if n := sem.reserve(sem.limit()); n > 0 {
			limits[kind] = n
		}
	}
	if len(limits) == 0 {
		s.log.Debug("all dispatch slots busy")
		return 0, nil
	}

	claimed, err := s.jobs.ClaimDue(ctx, s.now(), limits)
	used := map[reminder.Kind]int{}
	for _, job := range claimed {
		used[job.Kind]++
		s.dispatch(work, job)
	}
	for kind, n := range limits {
		s.sems[kind].releaseN(n - used[kind])
	}
	if err != nil {
		s.tickFailed("claim reminders", err)
		return len(claimed), err
	}
	return len(claimed), nil
}

// dispatch runs one claimed job; the caller already holds its kind slot.
func (s *Service) dispatch(work *supervisor.Supervisor, job reminder.Job) {
	sem := s.sems[job.Kind]
	s.bus.Publish(eventbus.Event{Type: eventbus.JobFired, Data: eventbus.JobEvent{JobID: job.ID, Kind: string(job.Kind)}})
	work.Go("dispatch."+job.ID, func(ctx context.Context) error {
		defer sem.release()
		err := s.disp.Fire(ctx, job)
		switch {
		case err == nil:
		case errors.Is(err, reminder.ErrNotRecorded):
			s.unclaim(ctx, job, err)
		case ctx.Err() == nil:
			s.log.Error("dispatch failed", logx.Job(job.ID), logx.Err(err))
		}
		return nil
	})
}

// unclaim puts back a job whose fire never wrote a notification, so the next
// due-reminders run claims it again.
func (s *Service) unclaim(ctx context.Context, job reminder.Job, cause error) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unclaimTimeout)
	defer cancel()
	ok, err := s.jobs.Unclaim(uctx, job.ID)
	switch {
	case err != nil:
		s.log.Error("unclaim failed, job stays fired", logx.Job(job.ID), logx.Err(err))
	case ok:
		s.log.Warn("dispatch not recorded, job rescheduled", logx.Job(job.ID), logx.Err(cause))
	}
	s.tickFailed("dispatch "+job.ID, cause)
}

func (s *Service) sweepRetry(ctx context.Context) (int, error) {
	return s.disp.Retry(ctx, s.cfg.RetryBatch)
}

// sweepDailyReminders makes sure every booking of tomorrow has its class
// reminder. Scheduling is idempotent so existing jobs are left as they are,
// and a cancelled reminder stays cancelled.
func (s *Service) sweepDailyReminders(ctx context.Context) (int, error) {
	now := s.now().In(s.ev.Location())
	from := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	bookings, err := s.dir.BookingsBetween(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("list bookings: %w", err)
	}
	n := 0
	for _, b := range bookings {
		_, err := s.ScheduleClassReminder(ctx, b.ClientID, b.ClassStart, b.ClassType, s.cfg.HoursBefore)
		switch {
		case errors.Is(err, ErrNotScheduled):
		case err != nil:
			return n, err
		default:
			n++
		}
	}
	return n, nil
}

// sweepExpiryCheck schedules expiry reminders for subscriptions ending within
// DaysBefore. A reminder whose time has passed while the subscription is
// still running fires on the next due-reminders run.
func (s *Service) sweepExpiryCheck(ctx context.Context) (int, error) {
	now := s.now()
	subs, err := s.dir.SubscriptionsExpiringBefore(ctx, now.AddDate(0, 0, s.cfg.DaysBefore+1))
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	n := 0
	for _, sub := range subs {
		if !sub.EndDate.After(now) {
			continue
		}
		if _, err := s.scheduleExpiry(ctx, sub.ID, sub.EndDate, s.cfg.DaysBefore, true); err != nil {
			if errors.Is(err, ErrNotScheduled) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// sweepWeeklyStats reports ledger statistics for the past week.
func (s *Service) sweepWeeklyStats(ctx context.Context) (int, error) {
	since := s.now().AddDate(0, 0, -7)
	st, err := s.ledger.Stats(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("ledger stats: %w", err)
	}
	text, err := s.disp.StatsReport(st)
	if err != nil {
		return 0, err
	}
	s.log.Info("weekly stats",
		logx.Int("total", st.Total),
		logx.Int("sent", st.ByState[reminder.StateSent]),
		logx.Int("exhausted", st.ByState[reminder.StateExhausted]),
		logx.Int("retried", st.Retried))
	if s.cfg.AdminChat == "" {
		return st.Total, nil
	}
	if err := s.disp.Announce(ctx, s.cfg.AdminChat, text); err != nil {
		return st.Total, fmt.Errorf("send weekly stats: %w", err)
	}
	return st.Total, nil
}
