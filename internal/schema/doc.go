// Package schema describes the ledgersync tables as plain values.
//
// Every table is a Table descriptor; the SQL used by migrations is derived
// from descriptors by pure functions (CreateStatement, IndexStatements,
// TriggerStatements). Nothing here touches a database.
//
// # Tables
//
//   - progress: one row per owner, overwritten in place
//   - sync_queue: per-collection jobs; one non-terminal entry per (owner, collection)
//   - sync_user_steps: step-window state, partitioned three ways:
//     public (collection), private (owner, collection) and
//     sub-account (owner, sub-owner, collection)
//   - one table per catalog collection
//
// Owner columns of collection tables use the empty string instead of NULL so a
// single composite unique key covers every scope.
package schema
