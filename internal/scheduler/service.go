package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"studiobot/internal/directory"
	"studiobot/internal/eventbus"
	"studiobot/internal/reminder"
	"studiobot/internal/reminder/trigger"
	"studiobot/internal/runtime/supervisor"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

// fallbackTick is used when no sweep has an interval cadence.
const fallbackTick = time.Minute

type sweepDef struct {
	name     string
	schedule trigger.Schedule
	run      func(ctx context.Context) (int, error)
}

type sweepStatus struct {
	lastRun  time.Time
	lastErr  string
	lastSize int
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(s *Service) { s.bus = bus } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service owns the job lifecycle: the scheduling API, the tick loop and the
// periodic sweeps.
type Service struct {
	cfg    Config
	ev     *trigger.Evaluator
	jobs   storage.JobStore
	ledger storage.Ledger
	disp   Dispatcher
	dir    directory.Provider

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	sweeps []sweepDef
	byName map[string]*sweepDef
	sems   map[reminder.Kind]*kindSemaphore
	tick   time.Duration

	mu       sync.Mutex
	state    State
	loop     *supervisor.Supervisor
	work     *supervisor.Supervisor
	drained  chan struct{}
	lastTick time.Time
	lastErr  string
	status   map[string]sweepStatus
}

func New(cfg Config, jobs storage.JobStore, ledger storage.Ledger, disp Dispatcher, dir directory.Provider, opts ...Option) (*Service, error) {
	if jobs == nil || ledger == nil || disp == nil || dir == nil {
		return nil, errors.New("scheduler: job store, ledger, dispatcher and directory are required")
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:    cfg,
		ev:     trigger.NewEvaluator(cfg.Location),
		jobs:   jobs,
		ledger: ledger,
		disp:   disp,
		dir:    dir,
		now:    time.Now,
		byName: map[string]*sweepDef{},
		sems:   map[reminder.Kind]*kindSemaphore{},
		status: map[string]sweepStatus{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))

	for kind, n := range cfg.Concurrency {
		s.sems[kind] = newKindSemaphore(n)
	}
	if err := s.buildSweeps(); err != nil {
		return nil, err
	}
	s.tick = s.tickPeriod()
	return s, nil
}

func (s *Service) buildSweeps() error {
	runs := map[string]func(ctx context.Context) (int, error){
		SweepDueReminders:   s.sweepDueReminders,
		SweepRetry:          s.sweepRetry,
		SweepDailyReminders: s.sweepDailyReminders,
		SweepExpiryCheck:    s.sweepExpiryCheck,
		SweepWeeklyStats:    s.sweepWeeklyStats,
	}
	for name := range s.cfg.Sweeps {
		if _, ok := runs[name]; !ok {
			return fmt.Errorf("scheduler: unknown sweep %q", name)
		}
	}

	names := make([]string, 0, len(runs))
	for name := range runs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raw := DefaultSweeps[name]
		if o, ok := s.cfg.Sweeps[name]; ok {
			raw = o
		}
		if raw == SweepOff {
			s.log.Info("sweep disabled", logx.String("sweep", name))
			continue
		}
		sched, err := trigger.ParseCadence(raw)
		if err != nil {
			return fmt.Errorf("scheduler: sweep %s: %w", name, err)
		}
		s.sweeps = append(s.sweeps, sweepDef{name: name, schedule: sched, run: runs[name]})
	}
	for i := range s.sweeps {
		s.byName[s.sweeps[i].name] = &s.sweeps[i]
	}
	return nil
}

// tickPeriod is the configured tick or the fastest interval sweep.
func (s *Service) tickPeriod() time.Duration {
	if s.cfg.Tick > 0 {
		return s.cfg.Tick
	}
	tick := time.Duration(0)
	for _, sw := range s.sweeps {
		if sw.schedule.Kind != trigger.KindInterval {
			continue
		}
		if tick == 0 || sw.schedule.Every < tick {
			tick = sw.schedule.Every
		}
	}
	if tick == 0 {
		return fallbackTick
	}
	return tick
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Location is the studio timezone all cadences are evaluated in.
func (s *Service) Location() *time.Location { return s.ev.Location() }

// Start registers the sweeps, runs one tick and starts the loop. Starting a
// running scheduler is a no-op; starting a draining one waits for the drain.
func (s *Service) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch s.state {
		case Running:
			s.mu.Unlock()
			return nil
		case Draining:
			drained := s.drained
			s.mu.Unlock()
			select {
			case <-drained:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		break
	}

	if err := s.registerSweeps(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	work := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	loop := supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.work, s.loop, s.state = work, loop, Running
	s.mu.Unlock()

	s.log.Info("scheduler started",
		logx.String("tz", s.ev.Location().String()),
		logx.Duration("tick", s.tick),
		logx.Int("sweeps", len(s.sweeps)))

	s.runTick(ctx, work)
	loop.Go0("scheduler.loop", func(ctx context.Context) {
		t := time.NewTicker(s.tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.runTick(ctx, work)
			}
		}
	})
	return nil
}

// registerSweeps arms every sweep job. A Scheduled entry with the same
// cadence is kept so a sweep missed while the process was down still runs
// once; a Fired entry means a run was interrupted and it fires now.
func (s *Service) registerSweeps(ctx context.Context) error {
	now := s.now()
	for _, sw := range s.sweeps {
		id := reminder.SweepID(sw.name)
		cadence := sw.schedule.String()
		cur, err := s.jobs.Get(ctx, id)
		switch {
		case err == nil && cur.Status == reminder.JobScheduled && cur.Cadence == cadence:
			s.log.Debug("sweep kept", logx.String("sweep", sw.name), logx.Time("fire_at", cur.FireAt))
			continue
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("scheduler: load sweep %s: %w", sw.name, err)
		}

		fireAt, ok := s.ev.Next(sw.schedule, now)
		if !ok {
			return fmt.Errorf("scheduler: sweep %s has no next fire time", sw.name)
		}
		if err == nil && cur.Status == reminder.JobFired {
			fireAt = now
		}
		if _, err := s.jobs.Put(ctx, reminder.Job{
			ID: id, Kind: reminder.KindSweep, Sweep: sw.name, Cadence: cadence, FireAt: fireAt,
		}); err != nil {
			return fmt.Errorf("scheduler: register sweep %s: %w", sw.name, err)
		}
		s.log.Debug("sweep registered", logx.String("sweep", sw.name), logx.String("cadence", cadence), logx.Time("fire_at", fireAt))
	}
	return nil
}

// runTick claims due sweep jobs and starts each under the work supervisor.
// An infrastructure error abandons the tick; the next tick retries.
func (s *Service) runTick(ctx context.Context, work *supervisor.Supervisor) {
	now := s.now()
	claimed, err := s.jobs.ClaimDue(ctx, now, storage.ClaimLimits{reminder.KindSweep: len(s.sweeps)})

	s.mu.Lock()
	s.lastTick = now
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.tickFailed("claim sweeps", err)
		return
	}
	for _, job := range claimed {
		sw, ok := s.byName[job.Sweep]
		if !ok {
			s.log.Warn("retired sweep left unarmed", logx.Job(job.ID))
			continue
		}
		job := job
		work.Go("sweep."+sw.name, func(wctx context.Context) error {
			s.runSweep(wctx, sw, job)
			return nil
		})
	}
}

func (s *Service) tickFailed(stage string, err error) {
	s.log.Error("tick abandoned", logx.String("stage", stage), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: eventbus.TickFailed, Data: eventbus.SweepEvent{Name: stage, Error: err.Error()}})
}

func (s *Service) runSweep(ctx context.Context, sw *sweepDef, job reminder.Job) {
	start := s.now()
	n, err := sw.run(ctx)
	log := s.log.With(logx.String("sweep", sw.name), logx.Int("items", n), logx.Duration("took", s.now().Sub(start)))

	st := sweepStatus{lastRun: start, lastSize: n}
	switch {
	case err != nil && ctx.Err() != nil:
		log.Warn("sweep interrupted", logx.Err(err))
		st.lastErr = err.Error()
	case err != nil:
		log.Error("sweep failed", logx.Err(err))
		st.lastErr = err.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.SweepFailed, Data: eventbus.SweepEvent{Name: sw.name, Items: n, Error: err.Error()}})
	default:
		if n > 0 {
			log.Info("sweep finished")
		} else {
			log.Debug("sweep finished")
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.SweepFinished, Data: eventbus.SweepEvent{Name: sw.name, Items: n}})
	}
	s.mu.Lock()
	s.status[sw.name] = st
	s.mu.Unlock()

	// An interrupted run keeps its original fire time and catches up on the
	// next start.
	next := job.FireAt
	if ctx.Err() == nil {
		var ok bool
		if next, ok = s.ev.Next(sw.schedule, s.now()); !ok {
			log.Error("sweep has no next fire time")
			return
		}
	}
	if _, err := s.jobs.Put(context.WithoutCancel(ctx), reminder.Job{
		ID: job.ID, Kind: reminder.KindSweep, Sweep: sw.name, Cadence: sw.schedule.String(), FireAt: next,
	}); err != nil {
		log.Error("sweep re-arm failed", logx.Err(err))
		s.tickFailed("rearm "+sw.name, err)
	}
}

// Stop drains the scheduler: no new ticks, in-flight work gets DrainGrace to
// finish, then remaining dispatches are cancelled and their notifications
// stay Pending for the retry sweep.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Stopped:
		s.mu.Unlock()
		return nil
	case Draining:
		drained := s.drained
		s.mu.Unlock()
		select {
		case <-drained:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = Draining
	s.drained = make(chan struct{})
	loop, work, drained := s.loop, s.work, s.drained
	s.mu.Unlock()

	start := s.now()
	s.log.Info("scheduler draining", logx.Duration("grace", s.cfg.DrainGrace))
	defer func() {
		s.mu.Lock()
		s.state = Stopped
		s.loop, s.work = nil, nil
		close(drained)
		s.mu.Unlock()
		s.log.Info("scheduler stopped", logx.Duration("took", s.now().Sub(start)))
	}()

	if err := loop.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("tick loop stop", logx.Err(err))
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.DrainGrace)
	err := work.Wait(gctx)
	cancel()
	if err == nil || (!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)) {
		return nil
	}

	abandoned := work.Counters().Active
	s.log.Warn("drain grace elapsed, abandoning in-flight work", logx.Int64("in_flight", abandoned))
	work.Cancel()
	// Abandoned dispatches only release their leases; give them a moment.
	actx, acancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer acancel()
	if err := work.Wait(actx); errors.Is(err, context.DeadlineExceeded) {
		s.log.Error("in-flight work ignored cancellation", logx.Err(err))
	}
	return nil
}

// Snapshot reports the scheduler state for inspection.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:    s.state.String(),
		Timezone: s.ev.Location().String(),
		Tick:     s.tick,
		LastTick: s.lastTick,
		LastErr:  s.lastErr,
		InFlight: map[reminder.Kind]int{},
		Limits:   map[reminder.Kind]int{},
	}
	status := make(map[string]sweepStatus, len(s.status))
	for k, v := range s.status {
		status[k] = v
	}
	s.mu.Unlock()

	for kind, sem := range s.sems {
		snap.InFlight[kind] = int(sem.inUse.Load())
		snap.Limits[kind] = sem.limit()
	}
	for _, sw := range s.sweeps {
		info := SweepInfo{Name: sw.name, Cadence: sw.schedule.String()}
		if j, err := s.jobs.Get(ctx, reminder.SweepID(sw.name)); err == nil {
			info.Next = j.FireAt
		}
		if st, ok := status[sw.name]; ok {
			info.LastRun, info.LastErr, info.LastSize = st.lastRun, st.lastErr, st.lastSize
		}
		snap.Sweeps = append(snap.Sweeps, info)
	}
	return snap
}
