package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"studiobot/internal/reminder"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	m := NewManager(filepath.Join("..", "..", "config.example.yaml"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Reminders.Sweeps["weekly-stats"] != "weekly mon 09:00" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit the config")
	}
}

func TestDecodeJSONAndYAML(t *testing.T) {
	t.Parallel()
	yamlCfg, err := decode("c.yaml", []byte("reminders:\n  timezone: Asia/Almaty\n  concurrency:\n    class_reminder: 2\n"))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	jsonCfg, err := decode("c.json", []byte(`{"reminders":{"timezone":"Asia/Almaty","concurrency":{"class_reminder":2}}}`))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if yamlCfg.Reminders.Timezone != jsonCfg.Reminders.Timezone ||
		yamlCfg.Reminders.ConcurrencyByKind()[reminder.KindClassReminder] != 2 {
		t.Fatalf("yaml %+v, json %+v", yamlCfg.Reminders, jsonCfg.Reminders)
	}

	if _, err := decode("c.yaml", nil); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body, want string
	}{
		{"unknown json key", "c.json", `{"reminders":{"timzone":"UTC"}}`, "unknown field"},
		{"unknown yaml key", "c.yml", "plugins: {}\n", "unknown field"},
		{"trailing json", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yaml", "telegram: [\n", "yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decode(tc.path, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverridesEmptySecrets(t *testing.T) {
	t.Setenv(EnvTelegramToken, "123:abc")
	t.Setenv(EnvStorageDSN, "postgres://localhost/studio")

	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	writeFile(t, path, `{"telegram":{"enabled":true},"storage":{"driver":"postgres"}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Storage.DSN != "postgres://localhost/studio" {
		t.Fatalf("env not applied: %+v", cfg)
	}

	writeFile(t, path, `{"telegram":{"enabled":true,"token":"file-token"}}`)
	cfg, err = NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "file-token" {
		t.Fatalf("file token must win, got %q", cfg.Telegram.Token)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram.token"},
		{"bad timezone", func(c *Config) { c.Reminders.Timezone = "Mars/Olympus" }, "reminders.timezone"},
		{"lease not above send timeout", func(c *Config) {
			c.Reminders.LeaseTTL = "10s"
			c.Reminders.SendTimeout = "10s"
		}, "lease_ttl"},
		{"negative duration", func(c *Config) { c.Reminders.DrainGrace = "-1s" }, "drain_grace"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"unknown kind", func(c *Config) { c.Reminders.Concurrency = map[string]int{"birthday": 1} }, "birthday"},
		{"sweep kind", func(c *Config) { c.Reminders.Concurrency = map[string]int{"sweep": 1} }, "sweep"},
		{"bad cadence", func(c *Config) { c.Reminders.Sweeps = map[string]string{"retry": "sometimes"} }, "reminders.sweeps.retry"},
		{"sweep off", func(c *Config) { c.Reminders.Sweeps = map[string]string{"weekly-stats": "off"} }, ""},
		{"backoff max below base", func(c *Config) {
			c.Reminders.RetryBackoff = "1h"
			c.Reminders.RetryBackoffMax = "10m"
		}, "retry_backoff_max"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mut(cfg)
			err := Validate(cfg)
			switch {
			case tc.want == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)):
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestReminderTimingsDefaults(t *testing.T) {
	t.Parallel()
	tm, err := RemindersConfig{}.Timings()
	if err != nil {
		t.Fatalf("Timings: %v", err)
	}
	if tm.Location.String() != DefaultTimezone {
		t.Fatalf("location = %s", tm.Location)
	}
	if tm.RetryBackoff != 30*time.Minute || tm.RetryBackoffMax != 30*time.Minute ||
		tm.SendTimeout != 10*time.Second || tm.LeaseTTL != 5*time.Minute ||
		tm.DrainGrace != 30*time.Second || tm.Tick != 0 {
		t.Fatalf("timings = %+v", tm)
	}

	tm, err = RemindersConfig{RetryBackoff: "1m", DrainGrace: "45"}.Timings()
	if err != nil {
		t.Fatalf("Timings: %v", err)
	}
	if tm.RetryBackoffMax != time.Minute || tm.DrainGrace != 45*time.Second {
		t.Fatalf("timings = %+v", tm)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, `{"logging":{"level":"info"},"storage":{"driver":"mongo"}}`)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, path, `{"logging":{"level":"debug"}}`)
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("reload not committed")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	old := &Config{Logging: LoggingConfig{Level: "info"}, Telegram: TelegramConfig{Token: "a"}}
	cur := &Config{Logging: LoggingConfig{Level: "debug"}, Telegram: TelegramConfig{Token: "a"}}

	changed, fields := SummarizeChange(old, cur)
	if len(changed) != 1 || changed[0] != "logging" || len(fields) == 0 {
		t.Fatalf("changed = %v", changed)
	}
	if RestartRequired(changed) {
		t.Fatal("logging applies live")
	}

	cur.Telegram.Token = "b"
	cur.Reminders.Sweeps = map[string]string{"retry": "every 1h"}
	changed, _ = SummarizeChange(old, cur)
	if strings.Join(changed, ",") != "logging,reminders,telegram" || !RestartRequired(changed) {
		t.Fatalf("changed = %v", changed)
	}
}
