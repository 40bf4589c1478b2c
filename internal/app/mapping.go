package app

import (
	"fmt"
	"strings"

	"studiobot/internal/adminapi"
	"studiobot/internal/config"
	"studiobot/internal/delivery/telegram"
	"studiobot/internal/dispatch"
	"studiobot/internal/reminder"
	"studiobot/internal/scheduler"
	"studiobot/internal/storage"
)

// components is every component config derived from one config file.
type components struct {
	storage   storage.Config
	telegram  telegram.Config
	dispatch  dispatch.Config
	scheduler scheduler.Config
	adminapi  adminapi.Config
}

func mapConfig(cfg *config.Config) (components, error) {
	var out components
	if cfg == nil {
		return out, fmt.Errorf("config is nil")
	}

	sc, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return out, err
	}
	out.storage = sc

	t, err := cfg.Reminders.Timings()
	if err != nil {
		return out, err
	}
	poll, send, err := cfg.Telegram.Timeouts()
	if err != nil {
		return out, err
	}
	out.telegram = telegram.Config{
		Token:        cfg.Telegram.Token,
		OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
		AdminChat:    cfg.Telegram.AdminChat,
		PollTimeout:  poll,
		SendTimeout:  send,
		RatePerSec:   cfg.Telegram.RatePerSec,
	}

	out.dispatch = dispatch.Config{
		MaxAttempts: cfg.Reminders.MaxAttempts,
		Backoff:     reminder.Backoff{Base: t.RetryBackoff, Max: t.RetryBackoffMax},
		LeaseTTL:    t.LeaseTTL,
		SendTimeout: t.SendTimeout,
		Location:    t.Location,
		Signature:   cfg.Reminders.Signature,
		Templates:   cfg.Reminders.Templates,
	}

	adminChat := ""
	if cfg.Telegram.AdminChat != 0 {
		adminChat = fmt.Sprint(cfg.Telegram.AdminChat)
	}
	out.scheduler = scheduler.Config{
		Location:    t.Location,
		Tick:        t.Tick,
		Concurrency: cfg.Reminders.ConcurrencyByKind(),
		DrainGrace:  t.DrainGrace,
		HoursBefore: cfg.Reminders.HoursBefore,
		DaysBefore:  cfg.Reminders.DaysBefore,
		Sweeps:      cfg.Reminders.Sweeps,
		AdminChat:   adminChat,
		RetryBatch:  cfg.Reminders.RetryBatch,
	}

	out.adminapi = adminapi.Config{
		Addr:                 cfg.AdminAPI.Addr,
		CORSAllowedOrigins:   cfg.AdminAPI.CORSAllowedOrigins,
		CORSAllowCredentials: cfg.AdminAPI.CORSAllowCredentials,
		Profiling: adminapi.Profiling{
			Enabled:              cfg.AdminAPI.Pprof.Enabled,
			MutexProfileFraction: cfg.AdminAPI.Pprof.MutexProfileFraction,
			BlockProfileRate:     cfg.AdminAPI.Pprof.BlockProfileRate,
			MemProfileRate:       cfg.AdminAPI.Pprof.MemProfileRate,
		},
	}
	return out, nil
}

func mapStorageConfig(sc config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres (or set %s)", config.EnvStorageDSN)
		}
		return storage.Config{Driver: "postgres", Path: dsn, MaxOpenConn: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
