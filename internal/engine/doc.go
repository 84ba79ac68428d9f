// Package engine implements the ledgersync synchronization engine.
//
// ARCHITECTURE:
//
// Sync (orchestrator) composes the parts below. It is handed every
// collaborator at construction time:
//   - SyncQueue: persistent FIFO of per-collection jobs with a strict state machine
//   - StepStore: resumable step windows per (collection, owner, sub-owner)
//   - DataInserter: fetch, validate, dedupe, hook, persist, advance window
//   - ProgressTracker: one overwritten progress row per owner
//   - Interrupter: cooperative cancellation per owner
//
// Run Flow:
//  1. Reject a second concurrent run for the same owner (single-flight)
//  2. Migrate the schema to the supported version
//  3. Requeue entries left RUNNING by a crashed process
//  4. Drain queued entries, up to Workers collections at a time
//  5. Update progress after each entry (completed / total)
//  6. Run the consistency checker over collections that completed
//  7. Finalize progress as COMPLETED, ERRORED or INTERRUPTED
//
// CRITICAL PATTERNS:
//
// Page Atomicity:
// A page's rows and the window advancement it causes commit in one
// transaction. Interrupts are observed only between pages and between
// queue entries, so the store never holds a half-applied page.
//
// Store Access:
// The SQLite store has a single connection. Code inside dao.DAO.WithTx
// uses only the Tx it is given, and no transaction spans network I/O.
package engine
