// Package scheduler runs the reminder engine: it arms jobs through the
// scheduling API, claims due work on every tick and hands it to the
// dispatcher under per-kind concurrency caps.
//
// Periodic maintenance runs as sweep jobs stored next to the reminders, so a
// sweep missed while the process was down runs once on the next start.
package scheduler
