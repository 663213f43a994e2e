// Package storage persists scheduled posts.
//
// Drivers:
//   - "memory": in-process map, for tests and sandboxes
//   - "file":   snapshot + JSON Lines journal, replayed on open
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Every driver enforces lifecycle transitions through CompareAndSwap, which
// only writes when the stored status still equals the expected one.
package storage
