// Package storage persists task definitions for the active scheduler.
//
// Drivers:
//   - "file": dependency-free JSON Lines journal + periodic snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// Record encoding is an implementation detail of each driver; callers only
// see task.Definition.
package storage
