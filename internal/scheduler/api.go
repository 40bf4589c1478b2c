package scheduler

import (
	"context"
	"fmt"
	"time"

	"studiobot/internal/eventbus"
	"studiobot/internal/reminder"
	"studiobot/internal/reminder/trigger"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

// ScheduleClassReminder arms the reminder hoursBefore a class. Calling it
// again for the same client and class start leaves exactly one job. When the
// reminder time has already passed it returns ErrNotScheduled and no job.
func (s *Service) ScheduleClassReminder(ctx context.Context, clientID string, classStart time.Time, classType string, hoursBefore int) (string, error) {
	if hoursBefore <= 0 {
		hoursBefore = s.cfg.HoursBefore
	}
	now := s.now()
	fireAt, ok := s.ev.Next(trigger.Offset(classStart, time.Duration(hoursBefore)*time.Hour), now)
	if !ok || !fireAt.After(now) {
		return "", ErrNotScheduled
	}
	return s.put(ctx, reminder.Job{
		ID:   reminder.ClassReminderID(clientID, classStart),
		Kind: reminder.KindClassReminder,
		Payload: reminder.Payload{
			ClientID:   clientID,
			ClassStart: classStart,
			ClassType:  classType,
		},
		FireAt: fireAt,
	})
}

// ScheduleSubscriptionExpiryReminder arms the reminder daysBefore a
// subscription ends, with the same idempotency and not-scheduled rules as
// ScheduleClassReminder.
func (s *Service) ScheduleSubscriptionExpiryReminder(ctx context.Context, subscriptionID string, expiryDate time.Time, daysBefore int) (string, error) {
	return s.scheduleExpiry(ctx, subscriptionID, expiryDate, daysBefore, false)
}

// scheduleExpiry with catchUp fires a late reminder at once as long as the
// subscription has not ended yet.
func (s *Service) scheduleExpiry(ctx context.Context, subscriptionID string, expiryDate time.Time, daysBefore int, catchUp bool) (string, error) {
	if daysBefore <= 0 {
		daysBefore = s.cfg.DaysBefore
	}
	now := s.now()
	fireAt, ok := s.ev.Next(trigger.Offset(expiryDate, time.Duration(daysBefore)*24*time.Hour), now)
	if !ok {
		return "", ErrNotScheduled
	}
	if !fireAt.After(now) {
		if !catchUp {
			return "", ErrNotScheduled
		}
		fireAt = now
	}
	return s.put(ctx, reminder.Job{
		ID:   reminder.SubscriptionExpiryID(subscriptionID, expiryDate.In(s.ev.Location())),
		Kind: reminder.KindSubscriptionExpiry,
		Payload: reminder.Payload{
			SubscriptionID: subscriptionID,
			ExpiryDate:     expiryDate,
		},
		FireAt: fireAt,
	})
}

func (s *Service) put(ctx context.Context, job reminder.Job) (string, error) {
	if s.State() == Draining {
		return "", ErrStopped
	}
	res, err := s.jobs.Put(ctx, job)
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", job.ID, err)
	}
	s.log.Debug("job scheduled", logx.Job(job.ID), logx.String("result", res.String()), logx.Time("fire_at", job.FireAt))
	if res != storage.PutKept {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobScheduled, Data: eventbus.JobEvent{JobID: job.ID, Kind: string(job.Kind), Reason: res.String()}})
	}
	return job.ID, nil
}

// CancelJob cancels a reminder that has not been claimed yet. It reports
// false when the job is unknown, already cancelled or already firing. Sweep
// jobs are owned by the scheduler and cannot be cancelled.
func (s *Service) CancelJob(ctx context.Context, jobID string) (bool, error) {
	kind, _, _, err := reminder.ParseJobID(jobID)
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	if kind == reminder.KindSweep {
		return false, fmt.Errorf("%w: %s", ErrSweepJob, jobID)
	}
	res, err := s.jobs.Cancel(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	s.log.Debug("cancel requested", logx.Job(jobID), logx.String("result", res.String()))
	if res != storage.CancelOK {
		return false, nil
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.JobCancelled, Data: eventbus.JobEvent{JobID: jobID}})
	return true, nil
}

// Jobs lists jobs for inspection.
func (s *Service) Jobs(ctx context.Context, f storage.JobFilter) ([]reminder.Job, error) {
	return s.jobs.List(ctx, f)
}
