package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseCadence parses a recurring schedule.
//
// Supported forms:
//   - Interval: "every 5m", "interval:30m", "every:1h", "5m"
//   - Daily wall clock: "daily 18:00"
//   - Weekly wall clock: "weekly mon 09:00"
//   - Cron: "cron:0 9 * * 1", "@hourly", "*/5 * * * *"
func ParseCadence(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("cadence required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	case strings.HasPrefix(low, "every "):
		return parseEvery(s[len("every "):])
	case strings.HasPrefix(low, "daily "):
		h, m, err := parseHHMM(s[len("daily "):])
		if err != nil {
			return Schedule{}, err
		}
		return Daily(h, m), nil
	case strings.HasPrefix(low, "weekly "):
		return parseWeekly(strings.Fields(low[len("weekly "):]))
	}

	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Every(d), nil
	}
	return Schedule{}, fmt.Errorf(
		"invalid cadence %q (use 'every 5m', 'daily 18:00', 'weekly mon 09:00' or a cron expression)", raw,
	)
}

func parseEvery(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Every(d), nil
}

func parseWeekly(fields []string) (Schedule, error) {
	if len(fields) != 2 {
		return Schedule{}, fmt.Errorf("weekly cadence needs '<weekday> HH:MM'")
	}
	day, ok := weekdays[fields[0]]
	if !ok {
		return Schedule{}, fmt.Errorf("invalid weekday %q", fields[0])
	}
	h, m, err := parseHHMM(fields[1])
	if err != nil {
		return Schedule{}, err
	}
	return Weekly(day, h, m), nil
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	if _, err := parser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Cron(expr), nil
}

func parseHHMM(v string) (int, int, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", strings.TrimSpace(v))
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return 0, 0, fmt.Errorf("time out of range %q", strings.TrimSpace(v))
	}
	return h, mm, nil
}
