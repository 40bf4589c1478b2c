// Package dispatch turns fired jobs into notifications and drives each
// notification through delivery attempts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"studiobot/internal/delivery"
	"studiobot/internal/directory"
	"studiobot/internal/eventbus"
	"studiobot/internal/reminder"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

type Config struct {
	MaxAttempts int
	Backoff     reminder.Backoff
	// LeaseTTL bounds how long an attempt may hold a notification. It must
	// exceed SendTimeout.
	LeaseTTL    time.Duration
	SendTimeout time.Duration
	Location    *time.Location
	Signature   string
	// Templates overrides message templates by job kind.
	Templates map[string]string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = reminder.Backoff{Base: 30 * time.Minute, Max: 30 * time.Minute}
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.LeaseTTL <= c.SendTimeout {
		c.LeaseTTL = max(5*time.Minute, 2*c.SendTimeout)
	}
	return c
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(d *Dispatcher) { d.bus = bus } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

type Dispatcher struct {
	cfg    Config
	ledger storage.Ledger
	dir    directory.Provider
	ch     delivery.Channel
	tmpl   *renderer

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
}

func New(cfg Config, ledger storage.Ledger, dir directory.Provider, ch delivery.Channel, opts ...Option) (*Dispatcher, error) {
	if ledger == nil || dir == nil || ch == nil {
		return nil, errors.New("dispatch: ledger, directory and channel are required")
	}
	cfg = cfg.withDefaults()
	r, err := newRenderer(cfg.Location, cfg.Signature, cfg.Templates)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{cfg: cfg, ledger: ledger, dir: dir, ch: ch, tmpl: r, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.bus == nil {
		d.bus = eventbus.Nop()
	}
	d.log = d.log.With(logx.String("comp", "dispatch"), logx.String("channel", ch.Name()))
	return d, nil
}

func (d *Dispatcher) Config() Config { return d.cfg }

// Fire runs one claimed job. A missing source record is a logged skip and
// returns nil. Delivery failures are recorded on the notification, not
// returned. A cancelled ctx abandons the attempt and leaves the notification
// Pending for the retry sweep. Errors raised before the notification exists
// wrap reminder.ErrNotRecorded.
func (d *Dispatcher) Fire(ctx context.Context, job reminder.Job) (err error) {
	log := d.log.With(logx.Job(job.ID), logx.String("kind", string(job.Kind)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("dispatch %s: panic: %v", job.ID, r)
		}
	}()

	clientID, recipient, body, err := d.render(ctx, job)
	if errors.Is(err, directory.ErrNotFound) {
		log.Info("reminder skipped, source record is gone", logx.Err(err))
		d.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Data: eventbus.JobEvent{JobID: job.ID, Kind: string(job.Kind), Reason: "not_found"}})
		return nil
	}
	if err != nil {
		log.Error("reminder render failed", logx.Err(err))
		d.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Data: eventbus.JobEvent{JobID: job.ID, Kind: string(job.Kind), Reason: "render"}})
		return fmt.Errorf("%w: render %s: %w", reminder.ErrNotRecorded, job.ID, err)
	}

	now := d.now()
	n := reminder.Notification{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		ClientID:   clientID,
		Channel:    d.ch.Name(),
		Recipient:  recipient,
		Body:       body,
		State:      reminder.StatePending,
		LeaseUntil: now.Add(d.cfg.LeaseTTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.ledger.Create(ctx, n); err != nil {
		return fmt.Errorf("%w: create notification for %s: %w", reminder.ErrNotRecorded, job.ID, err)
	}
	_, err = d.attempt(ctx, n)
	return err
}

func (d *Dispatcher) render(ctx context.Context, job reminder.Job) (clientID, recipient, body string, err error) {
	v := view{ClassStart: job.Payload.ClassStart, ClassType: job.Payload.ClassType}
	switch job.Kind {
	case reminder.KindClassReminder:
		clientID = job.Payload.ClientID
	case reminder.KindSubscriptionExpiry:
		v.Subscription, err = d.dir.Subscription(ctx, job.Payload.SubscriptionID)
		if err != nil {
			return "", "", "", err
		}
		clientID = v.Subscription.ClientID
	default:
		return "", "", "", fmt.Errorf("%w: %s", ErrNoTemplate, job.Kind)
	}
	v.Client, err = d.dir.Client(ctx, clientID)
	if err != nil {
		return "", "", "", err
	}
	body, err = d.tmpl.render(string(job.Kind), v)
	if err != nil {
		return "", "", "", err
	}
	if v.Client.TelegramID != 0 {
		recipient = fmt.Sprint(v.Client.TelegramID)
	}
	return clientID, recipient, body, nil
}

// attempt sends n, which the caller holds a lease on, and records the outcome.
func (d *Dispatcher) attempt(ctx context.Context, n reminder.Notification) (reminder.Notification, error) {
	log := d.log.With(logx.Notification(n.ID), logx.Job(n.JobID))

	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	receipt, sendErr := d.ch.Send(sctx, n.Recipient, n.Body)
	cancel()

	// Ledger writes must land even when ctx is already done.
	wctx := context.WithoutCancel(ctx)
	if sendErr != nil && ctx.Err() != nil {
		if err := d.ledger.Release(wctx, n.ID, d.now()); err != nil {
			log.Error("release abandoned notification failed", logx.Err(err))
		}
		log.Warn("delivery abandoned, left pending", logx.Err(sendErr))
		d.publish(eventbus.NotificationAbandoned, n, "")
		return n, ctx.Err()
	}

	out := reminder.Outcome{At: d.now(), ProviderMessageID: receipt.MessageID, Failure: delivery.Classify(sendErr)}
	rec, err := d.ledger.Record(wctx, n.ID, out, d.cfg.MaxAttempts)
	if err != nil {
		return n, fmt.Errorf("record notification %s: %w", n.ID, err)
	}

	switch rec.State {
	case reminder.StateSent:
		log.Info("notification sent", logx.Int("attempts", rec.Attempts), logx.String("message_id", rec.ProviderMessageID))
		d.publish(eventbus.NotificationSent, rec, "")
	case reminder.StateExhausted:
		log.Warn("notification exhausted", logx.Int("attempts", rec.Attempts), logx.String("failure", string(rec.LastError)), logx.Err(sendErr))
		d.publish(eventbus.NotificationExhausted, rec, string(rec.LastError))
	default:
		log.Warn("notification failed, will retry", logx.Int("attempts", rec.Attempts), logx.String("failure", string(rec.LastError)), logx.Err(sendErr))
		d.publish(eventbus.NotificationFailed, rec, string(rec.LastError))
	}
	return rec, nil
}

func (d *Dispatcher) publish(typ string, n reminder.Notification, failure string) {
	d.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.NotificationEvent{
		NotificationID: n.ID,
		JobID:          n.JobID,
		ClientID:       n.ClientID,
		Attempts:       n.Attempts,
		Failure:        failure,
	}})
}

// Retry resends up to limit eligible notifications with their stored body.
// Each candidate is leased first, so a notification acquired by another
// sweep is skipped. It returns how many attempts were made.
func (d *Dispatcher) Retry(ctx context.Context, limit int) (int, error) {
	cands, err := d.ledger.RetryCandidates(ctx, storage.RetryQuery{
		Now:         d.now(),
		MaxAttempts: d.cfg.MaxAttempts,
		Backoff:     d.cfg.Backoff,
		Limit:       limit,
	})
	if err != nil {
		return 0, fmt.Errorf("retry candidates: %w", err)
	}

	attempted := 0
	for _, c := range cands {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		n, ok, err := d.ledger.Acquire(ctx, c.ID, d.now(), d.cfg.LeaseTTL)
		if err != nil {
			return attempted, fmt.Errorf("acquire %s: %w", c.ID, err)
		}
		if !ok {
			continue
		}
		attempted++
		if _, err := d.attempt(ctx, n); err != nil {
			if ctx.Err() != nil {
				return attempted, ctx.Err()
			}
			d.log.Error("retry attempt failed", logx.Notification(n.ID), logx.Err(err))
		}
	}
	return attempted, nil
}

// Announce sends an operator message that is not tracked in the ledger.
func (d *Dispatcher) Announce(ctx context.Context, recipient, body string) error {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	_, err := d.ch.Send(sctx, recipient, body)
	return err
}

// StatsReport renders ledger statistics for the weekly report.
func (d *Dispatcher) StatsReport(st storage.Stats) (string, error) {
	return d.tmpl.stats(st)
}
