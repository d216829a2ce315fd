// Package storage persists test suites (with their embedded schedules),
// execution environments and execution history.
//
// Two drivers are available:
//   - "file": one JSON document plus an append-only executions journal
//   - "sqlite": a SQLite database (pure Go driver)
package storage
