package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"studiobot/internal/adminapi"
	"studiobot/internal/delivery/telegram"
	"studiobot/internal/reminder"
	"studiobot/internal/storage"
)

const commandListLimit = 20

// operator holds what the owner-only bot commands read and control.
type operator struct {
	sched  adminapi.Scheduler
	ledger storage.Ledger
	report func(storage.Stats) (string, error)
	loc    *time.Location
	now    func() time.Time
}

func (a *App) commands() []telegram.Command {
	op := &operator{
		sched:  a.sched,
		ledger: a.store.Notifications(),
		report: a.disp.StatsReport,
		loc:    a.sched.Location(),
		now:    time.Now,
	}
	return op.commands()
}

func (o *operator) commands() []telegram.Command {
	return []telegram.Command{
		{Name: "status", Help: "scheduler state and sweeps", Run: o.status},
		{Name: "reminders", Help: "upcoming reminders", Run: o.reminders},
		{Name: "exhausted", Help: "notifications that gave up", Run: o.exhausted},
		{Name: "stats", Help: "delivery stats, optional days (default 7)", Run: o.stats},
		{Name: "cancel", Help: "cancel a reminder by job id", Run: o.cancel},
	}
}

func (o *operator) status(ctx context.Context, _ string) (string, error) {
	s := o.sched.Snapshot(ctx)
	var b strings.Builder
	fmt.Fprintf(&b, "scheduler: %s (%s, tick %s)\n", s.State, s.Timezone, s.Tick)
	if !s.LastTick.IsZero() {
		fmt.Fprintf(&b, "last tick: %s\n", o.fmtTime(s.LastTick))
	}
	if s.LastErr != "" {
		fmt.Fprintf(&b, "last error: %s\n", s.LastErr)
	}
	for _, k := range []reminder.Kind{reminder.KindClassReminder, reminder.KindSubscriptionExpiry} {
		fmt.Fprintf(&b, "%s: %d/%d in flight\n", k, s.InFlight[k], s.Limits[k])
	}
	for _, sw := range s.Sweeps {
		line := fmt.Sprintf("%s [%s] next %s", sw.Name, sw.Cadence, o.fmtTime(sw.Next))
		if sw.LastErr != "" {
			line += " (last error: " + sw.LastErr + ")"
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (o *operator) reminders(ctx context.Context, _ string) (string, error) {
	var jobs []reminder.Job
	for _, k := range []reminder.Kind{reminder.KindClassReminder, reminder.KindSubscriptionExpiry} {
		js, err := o.sched.Jobs(ctx, storage.JobFilter{Kind: k, Status: reminder.JobScheduled, Limit: commandListLimit})
		if err != nil {
			return "", err
		}
		jobs = append(jobs, js...)
	}
	if len(jobs) == 0 {
		return "no reminders scheduled", nil
	}
	var b strings.Builder
	for i, j := range jobs {
		if i == commandListLimit {
			fmt.Fprintf(&b, "... and %d more", len(jobs)-i)
			break
		}
		fmt.Fprintf(&b, "%s  %s\n", o.fmtTime(j.FireAt), j.ID)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (o *operator) exhausted(ctx context.Context, _ string) (string, error) {
	ns, err := o.ledger.List(ctx, storage.NotificationFilter{State: reminder.StateExhausted, Limit: commandListLimit})
	if err != nil {
		return "", err
	}
	if len(ns) == 0 {
		return "no exhausted notifications", nil
	}
	var b strings.Builder
	for _, n := range ns {
		fmt.Fprintf(&b, "%s client=%s attempts=%d error=%s\n", n.JobID, n.ClientID, n.Attempts, n.LastError)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (o *operator) stats(ctx context.Context, args string) (string, error) {
	days := 7
	if s := strings.TrimSpace(args); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return "usage: /stats [days]", nil
		}
		days = n
	}
	st, err := o.ledger.Stats(ctx, o.now().AddDate(0, 0, -days))
	if err != nil {
		return "", err
	}
	return o.report(st)
}

func (o *operator) cancel(ctx context.Context, args string) (string, error) {
	id := strings.TrimSpace(args)
	if id == "" {
		return "usage: /cancel <job id>", nil
	}
	kind, _, _, err := reminder.ParseJobID(id)
	if err != nil || kind == reminder.KindSweep {
		return "not a reminder id: " + id, nil
	}
	ok, err := o.sched.CancelJob(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "not cancelled: " + id + " is unknown, already cancelled or already fired", nil
	}
	return "cancelled " + id, nil
}

func (o *operator) fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(o.loc).Format("2006-01-02 15:04")
}
