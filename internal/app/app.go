package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"studiobot/internal/adminapi"
	"studiobot/internal/config"
	"studiobot/internal/delivery"
	"studiobot/internal/delivery/telegram"
	"studiobot/internal/directory"
	"studiobot/internal/dispatch"
	"studiobot/internal/eventbus"
	"studiobot/internal/runtime/supervisor"
	"studiobot/internal/scheduler"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

// Upper bounds for the Stop steps. The scheduler step adds the drain grace.
const (
	stopAdminAPI       = 2 * time.Second
	stopSchedulerExtra = 6 * time.Second
	stopTelegram       = 3 * time.Second
	stopStorage        = 2 * time.Second
	stopSupervisor     = 2 * time.Second
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	dir   directory.Provider

	channel delivery.Channel
	bot     *telegram.Bot

	disp  *dispatch.Dispatcher
	sched *scheduler.Service
	api   *adminapi.Server

	drainGrace time.Duration
	sd         sdNotifier
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	comp, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Alerts go nowhere until the channel exists.
	logSvc, log := logx.New(cfg.Logging.LogxConfig(), nil)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        appLog,
		logs:       logSvc,
		bus:        eventbus.New(),
		drainGrace: comp.scheduler.DrainGrace,
		sd:         sdNotifier{log: appLog},
	}
	cleanup := func() {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
	}

	st, err := storage.Open(ctx, comp.storage, log)
	if err != nil {
		cleanup()
		return nil, err
	}
	a.store = st
	appLog.Info("storage opened", logx.String("driver", st.Driver()))

	if path := strings.TrimSpace(cfg.Directory.SeedPath); path != "" {
		dir, err := directory.LoadFile(path)
		if err != nil {
			cleanup()
			return nil, err
		}
		a.dir = dir
	} else {
		appLog.Warn("directory.seed_path is empty; starting with an empty directory")
		a.dir = directory.NewMemory()
	}

	if cfg.Telegram.Enabled {
		bot, err := telegram.New(comp.telegram, log.With(logx.String("comp", "telegram")))
		if err != nil {
			cleanup()
			return nil, err
		}
		a.bot = bot
		a.channel = bot
		logSvc.SetSender(bot)
	} else {
		sb := delivery.NewSandbox(log)
		a.channel = sb
		logSvc.SetSender(sb)
		appLog.Warn("telegram disabled; messages go to the sandbox channel")
	}

	disp, err := dispatch.New(comp.dispatch, st.Notifications(), a.dir, a.channel,
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
		dispatch.WithBus(a.bus))
	if err != nil {
		cleanup()
		return nil, err
	}
	a.disp = disp

	sched, err := scheduler.New(comp.scheduler, st.Jobs(), st.Notifications(), disp, a.dir,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(a.bus))
	if err != nil {
		cleanup()
		return nil, err
	}
	a.sched = sched

	if cfg.AdminAPI.Enabled {
		h := adminapi.NewRouter(comp.adminapi, sched, st.Notifications(), log.With(logx.String("comp", "adminapi")), time.Now)
		a.api = adminapi.NewServer(comp.adminapi, h, log.With(logx.String("comp", "adminapi")))
	}
	return a, nil
}

// Scheduler exposes the engine to host code that books classes and sells
// subscriptions.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Directory exposes the provider the engine reads from.
func (a *App) Directory() directory.Provider { return a.dir }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// StopTimeout is the longest Stop can take with the configured drain grace.
func (a *App) StopTimeout() time.Duration {
	return stopAdminAPI + a.drainGrace + stopSchedulerExtra + stopTelegram + stopStorage + stopSupervisor
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(validateReload)

	// The scheduler runs its own supervisor; its in-flight work must outlive
	// the app context so Stop can drain it.
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if a.bot != nil {
		a.bot.Handle(a.sup.Context(), a.commands()...)
		a.bot.Start(a.sup.Context())
	}

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start admin api: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.watchdog(c, func() bool { return a.sched.State() == scheduler.Running })
	})
	a.sd.notify(daemon.SdNotifyReady)

	a.log.Info("app started",
		logx.String("channel", a.channel.Name()),
		logx.String("storage", a.store.Driver()),
		logx.Bool("admin_api", a.api != nil))
	return nil
}

// validateReload rejects a reloaded file that the running app could not map
// onto its components.
func validateReload(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	_, err := mapConfig(cfg)
	return err
}

// applyConfig applies the live-reloadable sections and reports the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	changed, fields := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields = append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)
	a.log.Debug("config change summary", fields...)

	for _, s := range changed {
		if s == "logging" {
			a.logs.Apply(next.Logging.LogxConfig())
		}
	}
	if config.RestartRequired(changed) {
		a.log.Warn("config changed; restart required for changes to take effect", fields[0])
	}
	a.log.Info("config reloaded", fields[0])
}

func (a *App) logEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.NotificationExhausted:
		if p, ok := e.Data.(eventbus.NotificationEvent); ok {
			a.log.Warn("notification exhausted",
				logx.Notification(p.NotificationID), logx.Job(p.JobID),
				logx.String("client_id", p.ClientID), logx.Int("attempts", p.Attempts),
				logx.String("failure", p.Failure))
			return
		}
	case eventbus.TickFailed, eventbus.SweepFailed:
		a.log.Warn("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		return
	}
	// Keep this debug-level to avoid noise for frequent sweeps.
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeUnstarted()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.notify(daemon.SdNotifyStopping)

	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
				if err != nil {
					a.log.Warn("stop step finished after deadline", append(fields, logx.Err(err))...)
				} else {
					a.log.Info("stop step finished after deadline", fields...)
				}
			}()
		}
	}

	// New work stops arriving first, then the scheduler drains what is in flight.
	step("adminapi", stopAdminAPI, func(c context.Context) error {
		if a.api != nil {
			return a.api.Stop(c)
		}
		return nil
	})
	step("scheduler", a.drainGrace+stopSchedulerExtra, a.sched.Stop)
	step("telegram", stopTelegram, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	step("storage", stopStorage, func(context.Context) error { return a.store.Close() })
	step("supervisor", stopSupervisor, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeUnstarted() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
