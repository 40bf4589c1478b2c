package config

import (
	"reflect"
	"sort"
	"strings"

	logx "studiobot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns safe fields for logging. Secrets are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.AdminChat != nt.AdminChat ||
		ot.PollTimeout != nt.PollTimeout || ot.SendTimeout != nt.SendTimeout || ot.RatePerSec != nt.RatePerSec ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.admin_chat_set", nt.AdminChat != 0),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file", l.File.Enabled),
			logx.Bool("logging.telegram", l.Telegram.Enabled),
		)
	}

	ns := newCfg.Storage
	if oldCfg.Storage != ns {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		r := newCfg.Reminders
		changed = append(changed, "reminders")
		fields = append(fields,
			logx.String("reminders.timezone", r.Timezone),
			logx.Int("reminders.max_attempts", r.MaxAttempts),
			logx.Int("reminders.sweep_overrides", len(r.Sweeps)),
		)
	}

	if oldCfg.Directory != newCfg.Directory {
		changed = append(changed, "directory")
		fields = append(fields, logx.String("directory.seed_path", newCfg.Directory.SeedPath))
	}

	if !reflect.DeepEqual(oldCfg.AdminAPI, newCfg.AdminAPI) {
		a := newCfg.AdminAPI
		changed = append(changed, "admin_api")
		fields = append(fields,
			logx.Bool("admin_api.enabled", a.Enabled),
			logx.String("admin_api.addr", a.Addr),
			logx.Bool("admin_api.pprof", a.Pprof.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, fields
}

// RestartRequired reports whether any changed section only takes effect on
// restart. Logging is applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "logging" {
			return true
		}
	}
	return false
}
