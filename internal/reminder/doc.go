// Package reminder holds the data model shared by the reminder engine:
// jobs (when to attempt) and notifications (what happened when attempted).
//
// Job ids are deterministic ({kind}:{entity}:{occurrence}) so scheduling the
// same logical reminder twice overwrites instead of duplicating.
package reminder
