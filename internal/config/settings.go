package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"studiobot/internal/reminder"
	"studiobot/internal/reminder/trigger"
	logx "studiobot/pkg/logx"
)

const DefaultTimezone = "Europe/Moscow"

const (
	EnvTelegramToken = "STUDIOBOT_TELEGRAM_TOKEN"
	EnvStorageDSN    = "STUDIOBOT_STORAGE_DSN"
)

var knownDrivers = map[string]bool{
	"": true, "memory": true, "sqlite": true, "sqlite3": true, "postgres": true, "postgresql": true,
}

// applyEnv fills secrets from the environment when the file leaves them empty.
func applyEnv(cfg *Config) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = strings.TrimSpace(os.Getenv(EnvTelegramToken))
	}
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		cfg.Storage.DSN = strings.TrimSpace(os.Getenv(EnvStorageDSN))
	}
}

// ReminderTimings are the parsed reminders durations with defaults applied.
// Zero Tick means the scheduler derives it.
type ReminderTimings struct {
	Location        *time.Location
	Tick            time.Duration
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	LeaseTTL        time.Duration
	SendTimeout     time.Duration
	DrainGrace      time.Duration
}

func (r RemindersConfig) Timings() (ReminderTimings, error) {
	var (
		t   ReminderTimings
		err error
	)
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	if t.Location, err = trigger.LoadLocation(tz); err != nil {
		return t, fmt.Errorf("reminders.timezone: %w", err)
	}
	if t.Tick, err = ParseDurationField("reminders.tick", r.Tick); err != nil {
		return t, err
	}
	if t.RetryBackoff, err = ParseDurationOrDefault("reminders.retry_backoff", r.RetryBackoff, 30*time.Minute); err != nil {
		return t, err
	}
	if t.RetryBackoffMax, err = ParseDurationOrDefault("reminders.retry_backoff_max", r.RetryBackoffMax, t.RetryBackoff); err != nil {
		return t, err
	}
	if t.SendTimeout, err = ParseDurationOrDefault("reminders.send_timeout", r.SendTimeout, 10*time.Second); err != nil {
		return t, err
	}
	if t.LeaseTTL, err = ParseDurationOrDefault("reminders.lease_ttl", r.LeaseTTL, 5*time.Minute); err != nil {
		return t, err
	}
	if t.DrainGrace, err = ParseDurationOrDefault("reminders.drain_grace", r.DrainGrace, 30*time.Second); err != nil {
		return t, err
	}
	return t, nil
}

// ConcurrencyByKind converts the concurrency map to job kinds.
func (r RemindersConfig) ConcurrencyByKind() map[reminder.Kind]int {
	out := make(map[reminder.Kind]int, len(r.Concurrency))
	for k, n := range r.Concurrency {
		out[reminder.Kind(k)] = n
	}
	return out
}

func (t TelegramConfig) Timeouts() (poll, send time.Duration, err error) {
	if poll, err = ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second); err != nil {
		return 0, 0, err
	}
	if send, err = ParseDurationOrDefault("telegram.send_timeout", t.SendTimeout, 10*time.Second); err != nil {
		return 0, 0, err
	}
	return poll, send, nil
}

func (l LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// Validate checks everything that can be checked without opening resources.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token: required when telegram is enabled (or set %s)", EnvTelegramToken))
	}
	if cfg.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("telegram.rate_per_sec: must be >= 0"))
	}
	if _, _, err := cfg.Telegram.Timeouts(); err != nil {
		errs = append(errs, err)
	}

	if !knownDrivers[strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))] {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	r := cfg.Reminders
	if t, err := r.Timings(); err != nil {
		errs = append(errs, err)
	} else {
		if t.LeaseTTL <= t.SendTimeout {
			errs = append(errs, fmt.Errorf("reminders.lease_ttl (%s) must exceed reminders.send_timeout (%s)", t.LeaseTTL, t.SendTimeout))
		}
		if t.RetryBackoffMax < t.RetryBackoff {
			errs = append(errs, errors.New("reminders.retry_backoff_max: must be >= retry_backoff"))
		}
	}
	if r.MaxAttempts < 0 || r.HoursBefore < 0 || r.DaysBefore < 0 || r.RetryBatch < 0 {
		errs = append(errs, errors.New("reminders: counts must be >= 0"))
	}
	for k, n := range r.Concurrency {
		kind := reminder.Kind(k)
		if !kind.Valid() || kind == reminder.KindSweep {
			errs = append(errs, fmt.Errorf("reminders.concurrency: unknown job kind %q", k))
		} else if n < 0 {
			errs = append(errs, fmt.Errorf("reminders.concurrency.%s: must be >= 0", k))
		}
	}
	for name, raw := range r.Sweeps {
		if strings.TrimSpace(raw) == "off" {
			continue
		}
		if _, err := trigger.ParseCadence(raw); err != nil {
			errs = append(errs, fmt.Errorf("reminders.sweeps.%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
