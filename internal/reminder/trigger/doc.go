// Package trigger maps schedule definitions to fire times.
//
// It has no side effects: the scheduler asks it for the next occurrence and
// decides what to store. Wall-clock cadences are evaluated with robfig/cron in
// the studio location, so daylight-saving shifts keep "daily 18:00" at 18:00.
package trigger
