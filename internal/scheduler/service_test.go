package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"studiobot/internal/delivery"
	"studiobot/internal/directory"
	"studiobot/internal/dispatch"
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

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDispatcher struct {
	mu        sync.Mutex
	fired     []string
	announced []string
	retries   int

	started chan string
	block   chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{started: make(chan string, 64)}
}

func (f *fakeDispatcher) Fire(ctx context.Context, job reminder.Job) error {
	f.mu.Lock()
	f.fired = append(f.fired, job.ID)
	block := f.block
	f.mu.Unlock()
	f.started <- job.ID
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeDispatcher) Retry(context.Context, int) (int, error) {
	f.mu.Lock()
	f.retries++
	f.mu.Unlock()
	return 0, nil
}

func (f *fakeDispatcher) Announce(_ context.Context, recipient, body string) error {
	f.mu.Lock()
	f.announced = append(f.announced, recipient+": "+body)
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) StatsReport(st storage.Stats) (string, error) {
	return fmt.Sprintf("total=%d", st.Total), nil
}

func (f *fakeDispatcher) firedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

type harness struct {
	svc   *Service
	store storage.Store
	dir   *directory.Memory
	clk   *clock
	bus   eventbus.Bus
}

// onlyDue keeps the due-reminders sweep and turns the others off.
func onlyDue(c *Config) {
	c.Sweeps = map[string]string{
		SweepRetry:          SweepOff,
		SweepDailyReminders: SweepOff,
		SweepExpiryCheck:    SweepOff,
		SweepWeeklyStats:    SweepOff,
	}
}

func newHarness(t *testing.T, disp Dispatcher, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store: storage.NewMemory(),
		dir:   directory.NewMemory(),
		clk:   &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, msk)},
		bus:   eventbus.New(),
	}
	cfg := Config{Location: msk, Tick: time.Hour, DrainGrace: time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	svc, err := New(cfg, h.store.Jobs(), h.store.Notifications(), disp, h.dir,
		WithClock(h.clk.Now), WithBus(h.bus), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Stop(ctx)
	})
}

// tick runs one loop iteration at the current fake time.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.svc.mu.Lock()
	work := h.svc.work
	h.svc.mu.Unlock()
	if work == nil {
		t.Fatal("scheduler not running")
	}
	h.svc.runTick(context.Background(), work)
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	h.svc.mu.Lock()
	work := h.svc.work
	h.svc.mu.Unlock()
	deadline := time.Now().Add(3 * time.Second)
	for work.Counters().Active > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("work still active: %+v", work.Counters())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) jobsWith(t *testing.T, status reminder.JobStatus, kind reminder.Kind) []reminder.Job {
	t.Helper()
	js, err := h.store.Jobs().List(context.Background(), storage.JobFilter{Status: status, Kind: kind})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return js
}

func waitStarted(t *testing.T, f *fakeDispatcher, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for len(out) < n {
		select {
		case id := <-f.started:
			out = append(out, id)
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d dispatches started", len(out), n)
		}
	}
	return out
}

func TestScheduleClassReminderPastIsNotScheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeDispatcher(), onlyDue)
	classStart := time.Date(2025, 6, 16, 10, 0, 0, 0, msk)

	h.clk.Set(time.Date(2025, 6, 16, 9, 0, 0, 0, msk))
	id, err := h.svc.ScheduleClassReminder(context.Background(), "c1", classStart, "hatha", 2)
	if !errors.Is(err, ErrNotScheduled) || id != "" {
		t.Fatalf("got %q, %v; want ErrNotScheduled", id, err)
	}
	if js := h.jobsWith(t, "", reminder.KindClassReminder); len(js) != 0 {
		t.Fatalf("jobs = %+v", js)
	}

	h.clk.Set(time.Date(2025, 6, 15, 12, 0, 0, 0, msk))
	id, err = h.svc.ScheduleClassReminder(context.Background(), "c1", classStart, "hatha", 2)
	if err != nil {
		t.Fatalf("ScheduleClassReminder: %v", err)
	}
	j, err := h.store.Jobs().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := time.Date(2025, 6, 16, 8, 0, 0, 0, msk); !j.FireAt.Equal(want) {
		t.Fatalf("FireAt = %v, want %v", j.FireAt, want)
	}
}

func TestSchedulingIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeDispatcher(), onlyDue)
	ctx := context.Background()
	classStart := time.Date(2025, 6, 16, 10, 0, 0, 0, msk)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := h.svc.ScheduleClassReminder(ctx, "c1", classStart, "hatha", 2)
		if err != nil {
			t.Fatalf("ScheduleClassReminder: %v", err)
		}
		ids = append(ids, id)
	}
	// The same class seen from another timezone is the same occurrence.
	id, err := h.svc.ScheduleClassReminder(ctx, "c1", classStart.UTC(), "hatha", 2)
	if err != nil {
		t.Fatalf("ScheduleClassReminder: %v", err)
	}
	ids = append(ids, id)
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("ids differ: %v", ids)
		}
	}

	expiry := time.Date(2025, 6, 25, 0, 0, 0, 0, msk)
	for i := 0; i < 2; i++ {
		if _, err := h.svc.ScheduleSubscriptionExpiryReminder(ctx, "s1", expiry, 3); err != nil {
			t.Fatalf("ScheduleSubscriptionExpiryReminder: %v", err)
		}
	}
	if n := len(h.jobsWith(t, reminder.JobScheduled, reminder.KindClassReminder)); n != 1 {
		t.Fatalf("class jobs = %d", n)
	}
	if n := len(h.jobsWith(t, reminder.JobScheduled, reminder.KindSubscriptionExpiry)); n != 1 {
		t.Fatalf("expiry jobs = %d", n)
	}
}

func TestCancelBeforeClaimPreventsDispatch(t *testing.T) {
	t.Parallel()
	f := newFakeDispatcher()
	h := newHarness(t, f, onlyDue)
	h.start(t)
	ctx := context.Background()

	id, err := h.svc.ScheduleClassReminder(ctx, "c1", time.Date(2025, 6, 15, 14, 0, 0, 0, msk), "hatha", 1)
	if err != nil {
		t.Fatalf("ScheduleClassReminder: %v", err)
	}
	ok, err := h.svc.CancelJob(ctx, id)
	if err != nil || !ok {
		t.Fatalf("CancelJob = %v, %v", ok, err)
	}
	if ok, _ := h.svc.CancelJob(ctx, id); ok {
		t.Fatal("second cancel must report false")
	}

	h.clk.Advance(2 * time.Hour)
	h.tick(t)
	h.waitIdle(t)
	if got := f.firedIDs(); len(got) != 0 {
		t.Fatalf("fired = %v", got)
	}
}

func TestCancelAfterClaimIsRejected(t *testing.T) {
	t.Parallel()
	f := newFakeDispatcher()
	f.block = make(chan struct{})
	h := newHarness(t, f, onlyDue)
	h.start(t)
	defer close(f.block)
	ctx := context.Background()

	id, err := h.svc.ScheduleClassReminder(ctx, "c1", time.Date(2025, 6, 15, 14, 0, 0, 0, msk), "hatha", 1)
	if err != nil {
		t.Fatalf("ScheduleClassReminder: %v", err)
	}
	h.clk.Advance(2 * time.Hour)
	h.tick(t)
	waitStarted(t, f, 1)

	ok, err := h.svc.CancelJob(ctx, id)
	if err != nil || ok {
		t.Fatalf("CancelJob after claim = %v, %v; want false", ok, err)
	}
}

func TestCatchUpOnStart(t *testing.T) {
	t.Parallel()
	f := newFakeDispatcher()
	h := newHarness(t, f, onlyDue)
	ctx := context.Background()
	past := h.clk.Now().Add(-3 * time.Hour)

	// State left behind by a previous process: a reminder and the due sweep,
	// both overdue.
	missed := reminder.Job{
		ID:      reminder.ClassReminderID("c1", past.Add(time.Hour)),
		Kind:    reminder.KindClassReminder,
		Payload: reminder.Payload{ClientID: "c1", ClassStart: past.Add(time.Hour)},
		FireAt:  past,
	}
	sweep := reminder.Job{
		ID: reminder.SweepID(SweepDueReminders), Kind: reminder.KindSweep,
		Sweep: SweepDueReminders, Cadence: "every 5m0s", FireAt: past,
	}
	for _, j := range []reminder.Job{missed, sweep} {
		if _, err := h.store.Jobs().Put(ctx, j); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	h.start(t)
	got := waitStarted(t, f, 1)
	if got[0] != missed.ID {
		t.Fatalf("fired %v, want %s", got, missed.ID)
	}
	h.waitIdle(t)

	sw, err := h.store.Jobs().Get(ctx, sweep.ID)
	if err != nil {
		t.Fatalf("Get sweep: %v", err)
	}
	if sw.Status != reminder.JobScheduled || !sw.FireAt.Equal(h.clk.Now().Add(5*time.Minute)) {
		t.Fatalf("sweep not re-armed: %+v", sw)
	}
}

func TestConcurrencyCapDefersExtraJobs(t *testing.T) {
	t.Parallel()
	f := newFakeDispatcher()
	f.block = make(chan struct{})
	h := newHarness(t, f, onlyDue, func(c *Config) {
		c.Concurrency = map[reminder.Kind]int{reminder.KindClassReminder: 2}
	})
	h.start(t)
	ctx := context.Background()

	classStart := time.Date(2025, 6, 15, 16, 0, 0, 0, msk)
	for i := 0; i < 5; i++ {
		if _, err := h.svc.ScheduleClassReminder(ctx, fmt.Sprintf("c%d", i), classStart, "yin", 2); err != nil {
			t.Fatalf("ScheduleClassReminder: %v", err)
		}
	}

	h.clk.Set(time.Date(2025, 6, 15, 14, 5, 0, 0, msk))
	h.tick(t)
	waitStarted(t, f, 2)
	if n := len(h.jobsWith(t, reminder.JobScheduled, reminder.KindClassReminder)); n != 3 {
		t.Fatalf("scheduled after first tick = %d, want 3", n)
	}
	snap := h.svc.Snapshot(ctx)
	if snap.InFlight[reminder.KindClassReminder] != 2 || snap.Limits[reminder.KindClassReminder] != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}

	close(f.block)
	h.waitIdle(t)
	for _, step := range []int{2, 1} {
		h.clk.Advance(5 * time.Minute)
		h.tick(t)
		waitStarted(t, f, step)
		h.waitIdle(t)
	}
	if n := len(f.firedIDs()); n != 5 {
		t.Fatalf("fired = %d, want 5", n)
	}
}

func TestStopWaitsForInFlightDispatch(t *testing.T) {
	t.Parallel()
	f := newFakeDispatcher()
	f.block = make(chan struct{})
	h := newHarness(t, f, onlyDue)
	h.start(t)

	if _, err := h.svc.ScheduleClassReminder(context.Background(), "c1", time.Date(2025, 6, 15, 14, 0, 0, 0, msk), "hatha", 1); err != nil {
		t.Fatalf("ScheduleClassReminder: %v", err)
	}
	h.clk.Advance(2 * time.Hour)
	h.tick(t)
	waitStarted(t, f, 1)

	stopped := make(chan error, 1)
	go func() { stopped <- h.svc.Stop(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for h.svc.State() != Draining {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want draining", h.svc.State())
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := h.svc.ScheduleClassReminder(context.Background(), "c2", time.Date(2025, 6, 16, 14, 0, 0, 0, msk), "hatha", 1); !errors.Is(err, ErrStopped) {
		t.Fatalf("schedule while draining err = %v", err)
	}

	close(f.block)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	if h.svc.State() != Stopped {
		t.Fatalf("state = %v", h.svc.State())
	}
}

type blockingChannel struct{ entered chan struct{} }

func (blockingChannel) Name() string { return "blocking" }
func (b blockingChannel) Send(ctx context.Context, _, _ string) (delivery.Receipt, error) {
	close(b.entered)
	<-ctx.Done()
	return delivery.Receipt{}, ctx.Err()
}

func TestStopAbandonsDispatchPastGrace(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	dir := directory.NewMemory()
	dir.PutClient(directory.Client{ID: "c1", Name: "Anna", TelegramID: 1001})
	clk := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, msk)}
	ch := blockingChannel{entered: make(chan struct{})}

	disp, err := dispatch.New(dispatch.Config{SendTimeout: time.Minute, LeaseTTL: 5 * time.Minute, Location: msk},
		store.Notifications(), dir, ch, dispatch.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	cfg := Config{Location: msk, Tick: time.Hour, DrainGrace: 50 * time.Millisecond}
	onlyDue(&cfg)
	svc, err := New(cfg, store.Jobs(), store.Notifications(), disp, dir, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{svc: svc, store: store, dir: dir, clk: clk}
	h.start(t)

	if _, err := svc.ScheduleClassReminder(context.Background(), "c1", time.Date(2025, 6, 15, 14, 0, 0, 0, msk), "hatha", 1); err != nil {
		t.Fatalf("ScheduleClassReminder: %v", err)
	}
	clk.Advance(2 * time.Hour)
	h.tick(t)
	select {
	case <-ch.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("send never started")
	}

	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ns, err := store.Notifications().List(context.Background(), storage.NotificationFilter{})
	if err != nil || len(ns) != 1 {
		t.Fatalf("notifications = %+v, %v", ns, err)
	}
	n := ns[0]
	if n.State != reminder.StatePending || !n.LeaseUntil.IsZero() || n.Attempts != 0 {
		t.Fatalf("abandoned notification = %+v", n)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeDispatcher())
	ctx := context.Background()
	if h.svc.State() != Stopped {
		t.Fatalf("initial state = %v", h.svc.State())
	}
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop while stopped: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.svc.Start(ctx); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
	}
	if h.svc.State() != Running {
		t.Fatalf("state = %v", h.svc.State())
	}
	if n := len(h.jobsWith(t, reminder.JobScheduled, reminder.KindSweep)); n != len(DefaultSweeps) {
		t.Fatalf("sweeps registered = %d", n)
	}
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.svc.State() != Stopped {
		t.Fatalf("state = %v", h.svc.State())
	}
	// A restart keeps the armed sweeps.
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

type flakyJobs struct {
	storage.JobStore
	fail atomic.Bool
}

func (f *flakyJobs) ClaimDue(ctx context.Context, now time.Time, limits storage.ClaimLimits) ([]reminder.Job, error) {
	if f.fail.Load() {
		return nil, errors.New("database is locked")
	}
	return f.JobStore.ClaimDue(ctx, now, limits)
}

func TestTickFailureIsPublishedAndRecovered(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	jobs := &flakyJobs{JobStore: store.Jobs()}
	bus := eventbus.New()
	clk := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, msk)}
	cfg := Config{Location: msk, Tick: time.Hour}
	onlyDue(&cfg)
	svc, err := New(cfg, jobs, store.Notifications(), newFakeDispatcher(), directory.NewMemory(), WithClock(clk.Now), WithBus(bus))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{svc: svc, store: store, clk: clk, bus: bus}
	h.start(t)

	events, unsub := bus.Subscribe(16)
	defer unsub()
	jobs.fail.Store(true)
	h.tick(t)

	select {
	case ev := <-events:
		if ev.Type != eventbus.TickFailed {
			t.Fatalf("event = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick_failed event")
	}
	if svc.Snapshot(context.Background()).LastErr == "" {
		t.Fatal("snapshot must carry the tick error")
	}

	jobs.fail.Store(false)
	h.tick(t)
	if e := svc.Snapshot(context.Background()).LastErr; e != "" {
		t.Fatalf("LastErr after recovery = %q", e)
	}
}

func TestTickPeriodAndSweepConfig(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	build := func(cfg Config) (*Service, error) {
		return New(cfg, store.Jobs(), store.Notifications(), newFakeDispatcher(), directory.NewMemory())
	}

	svc, err := build(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if svc.tick != 5*time.Minute {
		t.Fatalf("default tick = %v", svc.tick)
	}

	svc, err = build(Config{Sweeps: map[string]string{SweepDueReminders: "every 1m", SweepWeeklyStats: SweepOff}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if svc.tick != time.Minute || len(svc.sweeps) != len(DefaultSweeps)-1 {
		t.Fatalf("tick = %v, sweeps = %d", svc.tick, len(svc.sweeps))
	}

	if _, err := build(Config{Sweeps: map[string]string{"post-class": "daily 21:00"}}); err == nil {
		t.Fatal("unknown sweep must be rejected")
	}
	if _, err := build(Config{Sweeps: map[string]string{SweepRetry: "sometimes"}}); err == nil {
		t.Fatal("bad cadence must be rejected")
	}
}

func TestDailyRemindersSweepSchedulesTomorrow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeDispatcher())
	h.clk.Set(time.Date(2025, 6, 15, 18, 0, 0, 0, msk))
	for _, b := range []directory.Booking{
		{ID: "b1", ClientID: "c1", ClassStart: time.Date(2025, 6, 16, 8, 0, 0, 0, msk), ClassType: "hatha"},
		{ID: "b2", ClientID: "c2", ClassStart: time.Date(2025, 6, 16, 19, 0, 0, 0, msk), ClassType: "vinyasa"},
		{ID: "b3", ClientID: "c3", ClassStart: time.Date(2025, 6, 16, 20, 0, 0, 0, msk), Status: directory.BookingCancelled},
		{ID: "b4", ClientID: "c4", ClassStart: time.Date(2025, 6, 17, 8, 0, 0, 0, msk)},
	} {
		h.dir.PutBooking(b)
	}

	for i := 0; i < 2; i++ {
		n, err := h.svc.sweepDailyReminders(context.Background())
		if err != nil || n != 2 {
			t.Fatalf("run %d: n = %d, err = %v", i, n, err)
		}
	}
	js := h.jobsWith(t, reminder.JobScheduled, reminder.KindClassReminder)
	if len(js) != 2 {
		t.Fatalf("jobs = %+v", js)
	}
	if want := time.Date(2025, 6, 16, 6, 0, 0, 0, msk); !js[0].FireAt.Equal(want) {
		t.Fatalf("first FireAt = %v, want %v", js[0].FireAt, want)
	}
}

func TestExpiryCheckCatchesUpLateReminders(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeDispatcher())
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, msk)
	h.clk.Set(now)
	for _, s := range []directory.Subscription{
		{ID: "soon", ClientID: "c1", EndDate: time.Date(2025, 6, 17, 0, 0, 0, 0, msk), Status: directory.SubscriptionActive},
		{ID: "in3", ClientID: "c2", EndDate: time.Date(2025, 6, 18, 12, 0, 0, 0, msk), Status: directory.SubscriptionActive},
		{ID: "later", ClientID: "c3", EndDate: time.Date(2025, 7, 15, 0, 0, 0, 0, msk), Status: directory.SubscriptionActive},
		{ID: "ended", ClientID: "c4", EndDate: time.Date(2025, 6, 14, 0, 0, 0, 0, msk), Status: directory.SubscriptionActive},
	} {
		h.dir.PutSubscription(s)
	}

	n, err := h.svc.sweepExpiryCheck(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("n = %d, err = %v", n, err)
	}
	js := h.jobsWith(t, reminder.JobScheduled, reminder.KindSubscriptionExpiry)
	if len(js) != 2 {
		t.Fatalf("jobs = %+v", js)
	}
	if js[0].Payload.SubscriptionID != "soon" || !js[0].FireAt.Equal(now) {
		t.Fatalf("late reminder = %+v, want fire at now", js[0])
	}
	if want := time.Date(2025, 6, 15, 12, 0, 0, 0, msk); !js[1].FireAt.Equal(want) {
		t.Fatalf("on-time FireAt = %v, want %v", js[1].FireAt, want)
	}

	// The explicit API does not send late reminders.
	if _, err := h.svc.ScheduleSubscriptionExpiryReminder(context.Background(), "soon2", time.Date(2025, 6, 17, 0, 0, 0, 0, msk), 3); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("err = %v, want ErrNotScheduled", err)
	}
}

func TestWeeklyStatsAnnouncesToAdmin(t *testing.T) {
	t.Parallel()
	f := newFakeDispatcher()
	h := newHarness(t, f, func(c *Config) { c.AdminChat = "-100200" })
	ctx := context.Background()
	now := h.clk.Now()
	for _, id := range []string{"a", "b"} {
		n := reminder.Notification{ID: id, JobID: "j", ClientID: "c1", State: reminder.StatePending, CreatedAt: now.Add(-24 * time.Hour), UpdatedAt: now}
		if err := h.store.Notifications().Create(ctx, n); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := h.svc.sweepWeeklyStats(ctx)
	if err != nil || n != 2 {
		t.Fatalf("n = %d, err = %v", n, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.announced) != 1 || f.announced[0] != "-100200: total=2" {
		t.Fatalf("announced = %v", f.announced)
	}
}

type failingLedger struct {
	storage.Ledger
	failures atomic.Int32
}

func (l *failingLedger) Create(ctx context.Context, n reminder.Notification) error {
	if l.failures.Add(-1) >= 0 {
		return errors.New("ledger unavailable")
	}
	return l.Ledger.Create(ctx, n)
}

func TestUnrecordedDispatchIsClaimedAgain(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ledger := &failingLedger{Ledger: store.Notifications()}
	ledger.failures.Store(1)
	dir := directory.NewMemory()
	dir.PutClient(directory.Client{ID: "c1", Name: "Anna", TelegramID: 1001})
	clk := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, msk)}
	sandbox := delivery.NewSandbox(logx.Nop())
	bus := eventbus.New()

	disp, err := dispatch.New(dispatch.Config{Location: msk}, ledger, dir, sandbox, dispatch.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	cfg := Config{Location: msk, Tick: time.Hour, DrainGrace: time.Second}
	onlyDue(&cfg)
	svc, err := New(cfg, store.Jobs(), ledger, disp, dir, WithClock(clk.Now), WithBus(bus))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{svc: svc, store: store, dir: dir, clk: clk, bus: bus}
	h.start(t)
	events, unsub := bus.Subscribe(64)
	defer unsub()
	ctx := context.Background()

	id, err := svc.ScheduleClassReminder(ctx, "c1", time.Date(2025, 6, 15, 14, 0, 0, 0, msk), "hatha", 1)
	if err != nil {
		t.Fatalf("ScheduleClassReminder: %v", err)
	}
	clk.Advance(2 * time.Hour)
	h.tick(t)
	h.waitIdle(t)

	job, err := store.Jobs().Get(ctx, id)
	if err != nil || job.Status != reminder.JobScheduled {
		t.Fatalf("job after failed create = %+v, %v; want scheduled", job, err)
	}
	deadline := time.After(time.Second)
	for failed := false; !failed; {
		select {
		case ev := <-events:
			failed = ev.Type == eventbus.TickFailed
		case <-deadline:
			t.Fatal("no tick_failed event for the unrecorded dispatch")
		}
	}

	clk.Advance(5 * time.Minute)
	h.tick(t)
	h.waitIdle(t)

	job, err = store.Jobs().Get(ctx, id)
	if err != nil || job.Status != reminder.JobFired {
		t.Fatalf("job after retry = %+v, %v; want fired", job, err)
	}
	ns, err := store.Notifications().List(ctx, storage.NotificationFilter{JobID: id})
	if err != nil || len(ns) != 1 || ns[0].State != reminder.StateSent {
		t.Fatalf("notifications = %+v, %v", ns, err)
	}
	if got := sandbox.Sent(); len(got) != 1 {
		t.Fatalf("sent = %d, want 1", len(got))
	}
}

func TestDailySweepKeepsCancelledReminder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeDispatcher())
	ctx := context.Background()
	h.clk.Set(time.Date(2025, 6, 15, 18, 0, 0, 0, msk))
	start := time.Date(2025, 6, 16, 19, 0, 0, 0, msk)
	h.dir.PutBooking(directory.Booking{ID: "b1", ClientID: "c1", ClassStart: start, ClassType: "yin"})

	if _, err := h.svc.sweepDailyReminders(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	id := reminder.ClassReminderID("c1", start)
	if ok, err := h.svc.CancelJob(ctx, id); err != nil || !ok {
		t.Fatalf("CancelJob = %v, %v", ok, err)
	}
	if _, err := h.svc.sweepDailyReminders(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	job, err := h.store.Jobs().Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != reminder.JobCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
}

func TestDueSweepDoesNotClaimWhileDraining(t *testing.T) {
	t.Parallel()
	f := newFakeDispatcher()
	h := newHarness(t, f, onlyDue)
	h.start(t)
	ctx := context.Background()

	id, err := h.svc.ScheduleClassReminder(ctx, "c1", time.Date(2025, 6, 15, 14, 0, 0, 0, msk), "hatha", 1)
	if err != nil {
		t.Fatalf("ScheduleClassReminder: %v", err)
	}
	h.clk.Advance(2 * time.Hour)

	h.svc.mu.Lock()
	h.svc.state = Draining
	h.svc.mu.Unlock()
	n, err := h.svc.sweepDueReminders(ctx)
	h.svc.mu.Lock()
	h.svc.state = Running
	h.svc.mu.Unlock()

	if err != nil || n != 0 {
		t.Fatalf("sweep while draining = %d, %v", n, err)
	}
	job, err := h.store.Jobs().Get(ctx, id)
	if err != nil || job.Status != reminder.JobScheduled {
		t.Fatalf("job = %+v, %v; want scheduled", job, err)
	}
	if got := f.firedIDs(); len(got) != 0 {
		t.Fatalf("fired = %v", got)
	}
}

func TestCancelJobRejectsSweeps(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeDispatcher())
	h.start(t)
	ctx := context.Background()

	id := reminder.SweepID(SweepRetry)
	if ok, err := h.svc.CancelJob(ctx, id); ok || !errors.Is(err, ErrSweepJob) {
		t.Fatalf("CancelJob(%s) = %v, %v; want ErrSweepJob", id, ok, err)
	}
	if ok, err := h.svc.CancelJob(ctx, "nonsense"); ok || err == nil {
		t.Fatalf("CancelJob(nonsense) = %v, %v", ok, err)
	}
	job, err := h.store.Jobs().Get(ctx, id)
	if err != nil || job.Status != reminder.JobScheduled {
		t.Fatalf("sweep = %+v, %v; want scheduled", job, err)
	}
}
