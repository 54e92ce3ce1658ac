// Package store provides the SQLite-backed operation log shared by the
// agents of one host.
//
// The log is append-only:
//   - operations: one row per committed operation, keyed by position
//   - operation_hints: one row per (operation, invalidation hint), indexed
//     by the hint's key digest so that the operations touching a key can be
//     listed without decoding every record
//
// # Ordering
//
//   - position is an AUTOINCREMENT rowid: it only grows and is never
//     reused, even after deletes
//   - every read orders by position ASC
//   - a reader's cursor is the last position it has processed
//
// # Database Configuration
//
//   - WAL mode: concurrent readers while one agent appends
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: agents in other processes wait for the write lock
//   - foreign_keys=ON: hint rows reference their operation
package store
