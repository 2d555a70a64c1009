// Package storage persists task definitions, execution records and notifier
// dedup state.
//
// Two drivers are available:
//   - "file": JSON snapshots plus append-only JSONL journals
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
