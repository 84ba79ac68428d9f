package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/events"
	"github.com/roach88/ledgersync/internal/model"
	"github.com/roach88/ledgersync/internal/schema"
)

// transitions lists the allowed target states of each queue state.
// running -> queued is reserved to RequeueStale and absent here.
var transitions = map[model.QueueState][]model.QueueState{
	model.QueueStateQueued: {
		model.QueueStateRunning,
	},
	model.QueueStateRunning: {
		model.QueueStateCompleted,
		model.QueueStateErrored,
		model.QueueStateInterrupted,
	},
}

func canTransition(from, to model.QueueState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SyncQueue is the persistent FIFO of per-collection sync jobs.
//
// Public collections live in the scheduler partition (owner ""); private
// collections are partitioned by owner. At most one queued or running
// entry exists per (owner, collection).
type SyncQueue struct {
	dao     dao.DAO
	emitter events.Emitter
	clock   Clock
	logger  *slog.Logger
}

// NewSyncQueue creates a queue over d. A nil emitter discards events.
func NewSyncQueue(d dao.DAO, emitter events.Emitter, clock Clock, logger *slog.Logger) *SyncQueue {
	if emitter == nil {
		emitter = events.Nop
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncQueue{dao: d, emitter: emitter, clock: clock, logger: logger}
}

// partition returns the queue owner of coll when enqueued for owner.
func partition(coll model.Collection, owner string) (string, error) {
	if coll.IsPublic() {
		return model.SchedulerOwner, nil
	}
	if owner == model.SchedulerOwner {
		return "", fmt.Errorf("sync queue: private collection %s needs an owner", coll.Name)
	}
	return owner, nil
}

// Enqueue appends a queued entry for collection.
//
// Returns *DuplicateEntryError if the partition already has a queued or
// running entry for the collection.
func (q *SyncQueue) Enqueue(ctx context.Context, collection, owner string) (*model.SyncQueueEntry, error) {
	coll, ok := schema.Lookup(collection)
	if !ok {
		return nil, fmt.Errorf("sync queue: unknown collection %q", collection)
	}
	ownerID, err := partition(coll, owner)
	if err != nil {
		return nil, err
	}

	entry := &model.SyncQueueEntry{
		Collection:       coll.Name,
		State:            model.QueueStateQueued,
		OwnerID:          ownerID,
		IsOwnerScheduler: coll.IsPublic(),
	}

	err = q.dao.WithTx(ctx, func(tx dao.Tx) error {
		active, err := tx.FindActiveQueueEntry(ctx, ownerID, coll.Name)
		if err != nil {
			return err
		}
		if active != nil {
			return &DuplicateEntryError{OwnerID: ownerID, Collection: coll.Name, ExistingID: active.ID}
		}
		if err := tx.InsertQueueEntry(ctx, entry); err != nil {
			if dao.IsUniqueViolation(err) {
				return &DuplicateEntryError{OwnerID: ownerID, Collection: coll.Name}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Debug("sync queue: enqueued",
		"id", entry.ID,
		"collection", entry.Collection,
		"owner", entry.OwnerID)
	q.emit(entry)
	return entry, nil
}

// EnqueueAll enqueues every catalog collection of owner's scope: private
// collections for an owner, public ones for the scheduler. Collections
// that are already active are skipped.
func (q *SyncQueue) EnqueueAll(ctx context.Context, owner string) ([]model.SyncQueueEntry, error) {
	scope := model.ScopePrivate
	if owner == model.SchedulerOwner {
		scope = model.ScopePublic
	}

	var out []model.SyncQueueEntry
	for _, coll := range schema.ForScope(scope) {
		e, err := q.Enqueue(ctx, coll.Name, owner)
		if IsDuplicateEntry(err) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// Next returns the oldest queued entry of owner, or nil when none is left.
func (q *SyncQueue) Next(ctx context.Context, owner string) (*model.SyncQueueEntry, error) {
	return q.dao.NextQueuedEntry(ctx, owner)
}

// List returns the entries of owner in FIFO order, filtered by states.
func (q *SyncQueue) List(ctx context.Context, owner string, states ...model.QueueState) ([]model.SyncQueueEntry, error) {
	return q.dao.ListQueueEntries(ctx, owner, states...)
}

// MarkRunning moves a queued entry to running.
func (q *SyncQueue) MarkRunning(ctx context.Context, id int64) (*model.SyncQueueEntry, error) {
	return q.transition(ctx, id, model.QueueStateRunning, "")
}

// MarkCompleted moves a running entry to completed.
func (q *SyncQueue) MarkCompleted(ctx context.Context, id int64) (*model.SyncQueueEntry, error) {
	return q.transition(ctx, id, model.QueueStateCompleted, "")
}

// MarkErrored moves a running entry to errored and records cause.
func (q *SyncQueue) MarkErrored(ctx context.Context, id int64, cause error) (*model.SyncQueueEntry, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.transition(ctx, id, model.QueueStateErrored, msg)
}

// MarkInterrupted moves a running entry to interrupted.
func (q *SyncQueue) MarkInterrupted(ctx context.Context, id int64) (*model.SyncQueueEntry, error) {
	return q.transition(ctx, id, model.QueueStateInterrupted, "")
}

func (q *SyncQueue) transition(ctx context.Context, id int64, to model.QueueState, msg string) (*model.SyncQueueEntry, error) {
	var entry *model.SyncQueueEntry
	err := q.dao.WithTx(ctx, func(tx dao.Tx) error {
		e, err := tx.GetQueueEntry(ctx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("sync queue: entry %d not found", id)
		}
		if !canTransition(e.State, to) {
			return &InvalidTransitionError{EntryID: id, From: e.State, To: to}
		}
		e.State = to
		e.Error = msg
		if err := tx.UpdateQueueEntry(ctx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.emit(entry)
	return entry, nil
}

// RequeueStale moves running entries of owner back to queued. They were
// left by a process that died mid-run. Callers must hold the owner's
// single-flight slot so no live worker owns them.
func (q *SyncQueue) RequeueStale(ctx context.Context, owner string) ([]model.SyncQueueEntry, error) {
	var moved []model.SyncQueueEntry
	err := q.dao.WithTx(ctx, func(tx dao.Tx) error {
		running, err := tx.ListQueueEntries(ctx, owner, model.QueueStateRunning)
		if err != nil {
			return err
		}
		for i := range running {
			e := &running[i]
			e.State = model.QueueStateQueued
			e.Error = ""
			if err := tx.UpdateQueueEntry(ctx, e); err != nil {
				return err
			}
		}
		moved = running
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range moved {
		q.logger.Warn("sync queue: requeued stale entry",
			"id", moved[i].ID,
			"collection", moved[i].Collection,
			"owner", owner)
		q.emit(&moved[i])
	}
	return moved, nil
}

func (q *SyncQueue) emit(e *model.SyncQueueEntry) {
	q.emitter.Emit(events.Event{
		Type:       events.QueueStateChanged,
		OwnerID:    e.OwnerID,
		Collection: e.Collection,
		State:      string(e.State),
		Detail:     e.Error,
		Timestamp:  q.clock.Now(),
	})
}
