package config

// Config is the on-disk configuration. JSON and YAML are both accepted;
// unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "30m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Reminders RemindersConfig `json:"reminders"`
	Directory DirectoryConfig `json:"directory"`
	AdminAPI  AdminAPIConfig  `json:"admin_api"`
}

// TelegramConfig configures the delivery channel and the owner commands.
// When Enabled is false messages go to the sandbox channel and are only
// logged.
type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"` // or STUDIOBOT_TELEGRAM_TOKEN; never logged
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AdminChat receives alerts and the weekly stats report.
	AdminChat   int64   `json:"admin_chat"`
	PollTimeout string  `json:"poll_timeout"`
	SendTimeout string  `json:"send_timeout"`
	RatePerSec  float64 `json:"rate_per_sec"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards records at or above MinLevel to the admin chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the job store and ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./studiobot.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN is the postgres connection string (or STUDIOBOT_STORAGE_DSN).
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// RemindersConfig tunes scheduling and delivery.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Europe/Moscow"
//   - tick: derived from the due-reminders cadence
//   - max_attempts: 5
//   - retry_backoff / retry_backoff_max: "30m"
//   - send_timeout: "10s"
//   - lease_ttl: "5m"
//   - drain_grace: "30s"
//   - concurrency: 4 per reminder kind
//   - hours_before: 2, days_before: 3
type RemindersConfig struct {
	Timezone        string `json:"timezone"`
	Tick            string `json:"tick,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	RetryBackoff    string `json:"retry_backoff,omitempty"`
	RetryBackoffMax string `json:"retry_backoff_max,omitempty"`
	RetryBatch      int    `json:"retry_batch,omitempty"`
	LeaseTTL        string `json:"lease_ttl,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DrainGrace      string `json:"drain_grace,omitempty"`

	// Concurrency caps simultaneous dispatches, keyed by job kind.
	Concurrency map[string]int `json:"concurrency,omitempty"`
	HoursBefore int            `json:"hours_before,omitempty"`
	DaysBefore  int            `json:"days_before,omitempty"`

	// Sweeps overrides sweep cadences by name ("every 5m", "daily 18:00",
	// "weekly mon 09:00", "cron:...", or "off").
	Sweeps map[string]string `json:"sweeps,omitempty"`

	Signature string            `json:"signature,omitempty"`
	Templates map[string]string `json:"templates,omitempty"`
}

// DirectoryConfig points at the YAML seed with clients, bookings and
// subscriptions.
type DirectoryConfig struct {
	SeedPath string `json:"seed_path"`
}

// AdminAPIConfig controls the inspection HTTP API. Prefer a loopback address.
type AdminAPIConfig struct {
	Enabled              bool        `json:"enabled"`
	Addr                 string      `json:"addr,omitempty"` // default: "127.0.0.1:8090"
	CORSAllowedOrigins   []string    `json:"cors_allowed_origins,omitempty"`
	CORSAllowCredentials bool        `json:"cors_allow_credentials,omitempty"`
	Pprof                PprofConfig `json:"pprof"`
}

// PprofConfig mounts /debug/pprof on the admin API. Profiling rates of 0
// keep the Go defaults.
type PprofConfig struct {
	Enabled              bool `json:"enabled"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
	MemProfileRate       int  `json:"mem_profile_rate,omitempty"`
}
