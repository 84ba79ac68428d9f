// Package dao defines the storage contract consumed by the sync engine.
//
// The engine never talks to a driver directly. It reads and writes through
// Tx, and groups writes that must commit together with DAO.WithTx.
// internal/store provides the SQLite implementation.
package dao

import (
	"context"
	"errors"

	"github.com/roach88/ledgersync/internal/model"
)

// ErrUniqueViolation is returned (wrapped) when a write breaks a unique key.
var ErrUniqueViolation = errors.New("unique constraint violation")

// Window bounds a range query in unix milliseconds (inclusive). Zero End
// means unbounded.
type Window struct {
	Start int64
	End   int64
}

// Scope selects the rows of one (owner, sub-owner) partition.
type Scope struct {
	OwnerID    string
	SubOwnerID string
}

// Tx is the set of operations available inside and outside a transaction.
type Tx interface {
	// Queue.
	InsertQueueEntry(ctx context.Context, e *model.SyncQueueEntry) error
	UpdateQueueEntry(ctx context.Context, e *model.SyncQueueEntry) error
	GetQueueEntry(ctx context.Context, id int64) (*model.SyncQueueEntry, error)
	FindActiveQueueEntry(ctx context.Context, ownerID, collection string) (*model.SyncQueueEntry, error)
	NextQueuedEntry(ctx context.Context, ownerID string) (*model.SyncQueueEntry, error)
	ListQueueEntries(ctx context.Context, ownerID string, states ...model.QueueState) ([]model.SyncQueueEntry, error)

	// Step windows.
	GetSyncUserStep(ctx context.Context, collection string, scope Scope) (*model.SyncUserStep, error)
	SaveSyncUserStep(ctx context.Context, step *model.SyncUserStep) error

	// Progress.
	GetProgress(ctx context.Context, ownerID string) (*model.ProgressRecord, error)
	SaveProgress(ctx context.Context, p *model.ProgressRecord) error

	// Collection rows.
	UpsertRecords(ctx context.Context, coll model.Collection, scope Scope, recs []model.Record) (int, error)
	Summarize(ctx context.Context, coll model.Collection, scope Scope, w Window) (model.Summary, error)
	LastBalance(ctx context.Context, coll model.Collection, scope Scope, currency string, before int64) (float64, bool, error)
	RecordsFrom(ctx context.Context, coll model.Collection, scope Scope, from int64) ([]model.Record, error)
	SetBalance(ctx context.Context, coll model.Collection, scope Scope, key string, balance float64) error
	LatestClose(ctx context.Context, symbol string, at int64) (float64, bool, error)
}

// DAO is the transactional storage contract.
type DAO interface {
	Tx

	// WithTx runs fn in one transaction. A non-nil error from fn rolls the
	// transaction back. fn must only use the Tx it is given.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// IsUniqueViolation reports whether err is a unique key violation.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}
