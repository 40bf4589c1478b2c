// Package logx is the structured logger every studiobot component takes.
//
// Logger wraps zerolog with field funcs (logx.String, logx.Job, ...). The
// Service behind it swaps sinks on config reload: a readable console, a JSON
// file, and alerts forwarded to the studio admin chat above a minimum level.
package logx
