package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"studiobot/internal/delivery"
	"studiobot/internal/directory"
	"studiobot/internal/eventbus"
	"studiobot/internal/reminder"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

var msk = time.FixedZone("MSK", 3*3600)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	d     *Dispatcher
	store storage.Store
	dir   *directory.Memory
	sb    *delivery.Sandbox
	clk   *clock
	bus   eventbus.Bus
}

func newFixture(t *testing.T, ch delivery.Channel) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		dir:   directory.NewMemory(),
		sb:    delivery.NewSandbox(logx.Nop()),
		clk:   &clock{now: time.Date(2025, 6, 16, 8, 0, 0, 0, msk)},
		bus:   eventbus.New(),
	}
	if ch == nil {
		ch = f.sb
	}
	f.dir.PutClient(directory.Client{ID: "c1", Name: "Anna", TelegramID: 1001})
	f.dir.PutClient(directory.Client{ID: "c2", Name: "Boris"})
	f.dir.PutSubscription(directory.Subscription{
		ID: "s1", ClientID: "c1", TotalClasses: 8, UsedClasses: 5,
		EndDate: time.Date(2025, 6, 19, 0, 0, 0, 0, msk), Status: directory.SubscriptionActive,
	})

	d, err := New(Config{
		MaxAttempts: 5,
		Backoff:     reminder.Backoff{Base: 30 * time.Minute, Max: 30 * time.Minute},
		LeaseTTL:    5 * time.Minute,
		SendTimeout: time.Second,
		Location:    msk,
		Signature:   "Practiti Yoga Studio",
	}, f.store.Notifications(), f.dir, ch, WithClock(f.clk.Now), WithBus(f.bus))
	require.NoError(t, err)
	f.d = d
	return f
}

func classJob(client string) reminder.Job {
	start := time.Date(2025, 6, 16, 10, 0, 0, 0, msk)
	return reminder.Job{
		ID:      reminder.ClassReminderID(client, start),
		Kind:    reminder.KindClassReminder,
		Payload: reminder.Payload{ClientID: client, ClassStart: start, ClassType: "hatha"},
		FireAt:  start.Add(-2 * time.Hour),
		Status:  reminder.JobFired,
	}
}

func (f *fixture) only(t *testing.T) reminder.Notification {
	t.Helper()
	ns, err := f.store.Notifications().List(context.Background(), storage.NotificationFilter{})
	require.NoError(t, err)
	require.Len(t, ns, 1)
	return ns[0]
}

func TestFireSendsRenderedReminder(t *testing.T) {
	f := newFixture(t, nil)
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	require.NoError(t, f.d.Fire(context.Background(), classJob("c1")))

	n := f.only(t)
	require.Equal(t, reminder.StateSent, n.State)
	require.Equal(t, 1, n.Attempts)
	require.NotEmpty(t, n.ProviderMessageID)
	require.Equal(t, "1001", n.Recipient)
	require.True(t, n.LeaseUntil.IsZero())
	require.Contains(t, n.Body, "Hi, Anna!")
	require.Contains(t, n.Body, "hatha class is on 16.06.2025 at 10:00")
	require.True(t, strings.HasSuffix(n.Body, "Practiti Yoga Studio"))

	ev := <-events
	require.Equal(t, eventbus.NotificationSent, ev.Type)
}

func TestTransientThreeTimesThenSuccess(t *testing.T) {
	f := newFixture(t, nil)
	flaky := delivery.Transient(errors.New("flood"))
	f.sb.Script = []error{flaky, flaky, flaky}
	ctx := context.Background()

	require.NoError(t, f.d.Fire(ctx, classJob("c1")))
	n := f.only(t)
	require.Equal(t, reminder.StateFailed, n.State)
	require.Equal(t, 1, n.Attempts)
	body := n.Body

	// Within the backoff window nothing is retried.
	f.clk.Advance(10 * time.Minute)
	tried, err := f.d.Retry(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, tried)

	for want := 2; want <= 4; want++ {
		f.clk.Advance(30 * time.Minute)
		tried, err := f.d.Retry(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, tried)
		n = f.only(t)
		require.Equal(t, want, n.Attempts)
	}

	require.Equal(t, reminder.StateSent, n.State)
	require.Equal(t, 4, n.Attempts)
	require.Equal(t, body, n.Body, "retries reuse the stored body")
}

func TestExhaustedAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, nil)
	flaky := errors.New("unclassified")
	f.sb.Script = []error{flaky, flaky, flaky, flaky, flaky, flaky}
	ctx := context.Background()

	require.NoError(t, f.d.Fire(ctx, classJob("c1")))
	prev := 1
	for i := 0; i < 6; i++ {
		f.clk.Advance(30 * time.Minute)
		_, err := f.d.Retry(ctx, 10)
		require.NoError(t, err)
		n := f.only(t)
		require.GreaterOrEqual(t, n.Attempts, prev)
		prev = n.Attempts
	}
	n := f.only(t)
	require.Equal(t, reminder.StateExhausted, n.State)
	require.Equal(t, 5, n.Attempts)
	require.Equal(t, reminder.FailureUnknown, n.LastError)
}

func TestPermanentFailureExhaustsImmediately(t *testing.T) {
	f := newFixture(t, nil)
	f.sb.Script = []error{delivery.Permanent(errors.New("blocked"))}
	ctx := context.Background()

	require.NoError(t, f.d.Fire(ctx, classJob("c1")))
	n := f.only(t)
	require.Equal(t, reminder.StateExhausted, n.State)
	require.Equal(t, 1, n.Attempts)

	f.clk.Advance(time.Hour)
	tried, err := f.d.Retry(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, tried)
}

func TestClientWithoutTelegramIsExhausted(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.d.Fire(context.Background(), classJob("c2")))
	n := f.only(t)
	require.Equal(t, reminder.StateExhausted, n.State)
	require.Equal(t, reminder.FailurePermanent, n.LastError)
}

func TestMissingClientIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	require.NoError(t, f.d.Fire(context.Background(), classJob("ghost")))

	ns, err := f.store.Notifications().List(context.Background(), storage.NotificationFilter{})
	require.NoError(t, err)
	require.Empty(t, ns)
	ev := <-events
	require.Equal(t, eventbus.JobSkipped, ev.Type)
}

func TestSubscriptionExpiryReminder(t *testing.T) {
	f := newFixture(t, nil)
	job := reminder.Job{
		ID:      reminder.SubscriptionExpiryID("s1", time.Date(2025, 6, 19, 0, 0, 0, 0, msk)),
		Kind:    reminder.KindSubscriptionExpiry,
		Payload: reminder.Payload{SubscriptionID: "s1", ExpiryDate: time.Date(2025, 6, 19, 0, 0, 0, 0, msk)},
	}
	require.NoError(t, f.d.Fire(context.Background(), job))
	n := f.only(t)
	require.Equal(t, "c1", n.ClientID)
	require.Contains(t, n.Body, "ends on 19.06.2025")
	require.Contains(t, n.Body, "Classes left: 3")

	f.dir.DeleteSubscription("s1")
	require.NoError(t, f.d.Fire(context.Background(), job))
	_ = f.only(t)
}

func TestUnknownKindFailsOnlyThatJob(t *testing.T) {
	f := newFixture(t, nil)
	err := f.d.Fire(context.Background(), reminder.Job{ID: reminder.SweepID("retry"), Kind: reminder.KindSweep})
	require.ErrorIs(t, err, ErrNoTemplate)
	require.ErrorIs(t, err, reminder.ErrNotRecorded)

	require.NoError(t, f.d.Fire(context.Background(), classJob("c1")))
	require.Equal(t, reminder.StateSent, f.only(t).State)
}

func TestBrokenTemplateOverrideIsRejected(t *testing.T) {
	_, err := New(Config{Templates: map[string]string{string(reminder.KindClassReminder): "{{.Client.Name"}},
		storage.NewMemory().Notifications(), directory.NewMemory(), delivery.NewSandbox(logx.Nop()))
	require.Error(t, err)
}

type blockingChannel struct{ entered chan struct{} }

func (blockingChannel) Name() string { return "blocking" }
func (b blockingChannel) Send(ctx context.Context, _, _ string) (delivery.Receipt, error) {
	close(b.entered)
	<-ctx.Done()
	return delivery.Receipt{}, ctx.Err()
}

func TestAbandonedAttemptStaysPending(t *testing.T) {
	ch := blockingChannel{entered: make(chan struct{})}
	f := newFixture(t, ch)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.d.Fire(ctx, classJob("c1")) }()
	<-ch.entered
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	n := f.only(t)
	require.Equal(t, reminder.StatePending, n.State)
	require.Zero(t, n.Attempts)
	require.True(t, n.LeaseUntil.IsZero(), "lease must be released")

	cands, err := f.store.Notifications().RetryCandidates(context.Background(), storage.RetryQuery{
		Now: f.clk.Now(), MaxAttempts: 5, Backoff: f.d.Config().Backoff,
	})
	require.NoError(t, err)
	require.Len(t, cands, 1)
}

type panicChannel struct{}

func (panicChannel) Name() string { return "panic" }
func (panicChannel) Send(context.Context, string, string) (delivery.Receipt, error) {
	panic("provider exploded")
}

func TestPanicIsContained(t *testing.T) {
	f := newFixture(t, panicChannel{})
	err := f.d.Fire(context.Background(), classJob("c1"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "panic")
}

func TestStatsReport(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.d.StatsReport(storage.Stats{
		Since:   time.Date(2025, 6, 9, 9, 0, 0, 0, msk),
		Total:   3,
		Retried: 1,
		ByState: map[reminder.State]int{reminder.StateSent: 2, reminder.StateExhausted: 1},
	})
	require.NoError(t, err)
	require.Contains(t, out, "since 09.06.2025")
	require.Contains(t, out, "sent: 2")
	require.Contains(t, out, "exhausted: 1")
	require.Contains(t, out, "Needed a retry: 1")
}

type refusingLedger struct{ storage.Ledger }

func (refusingLedger) Create(context.Context, reminder.Notification) error {
	return errors.New("disk full")
}

func TestFireWithoutNotificationIsNotRecorded(t *testing.T) {
	f := newFixture(t, nil)
	d, err := New(f.d.Config(), refusingLedger{f.store.Notifications()}, f.dir, f.sb, WithClock(f.clk.Now))
	require.NoError(t, err)

	err = d.Fire(context.Background(), classJob("c1"))
	require.ErrorIs(t, err, reminder.ErrNotRecorded)
	require.Contains(t, err.Error(), "disk full")
	require.Empty(t, f.sb.Sent())
}
