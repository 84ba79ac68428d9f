// Package store provides the SQLite implementation of the dao contract.
//
// The store holds:
//   - sync_queue: queued sync jobs, one active entry per (owner, collection)
//   - sync_user_steps: resumable step windows per (collection, owner, sub-owner)
//   - progress: one overwritten row per owner
//   - one table per catalog collection, keyed by (owner_id, sub_owner_id, rec_key)
//
// # Conventions
//
//   - Timestamps are unix milliseconds in INTEGER columns
//   - On the service tables, the scheduler partition and "no sub-owner" are NULL
//   - On collection tables they are the empty string, so one composite
//     unique key serves ON CONFLICT
//   - Unique key violations surface as dao.ErrUniqueViolation
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The store never creates tables itself. internal/migrate owns the schema
// and its PRAGMA user_version marker.
package store
