// Package storage persists reminder jobs and the notification ledger.
//
// Backends:
//   - memory: process-local maps, lost on restart
//   - sqlite: single file via modernc.org/sqlite
//   - postgres: shared database via lib/pq
//
// All backends implement the same claim and lease semantics, exercised by
// one contract test.
package storage
