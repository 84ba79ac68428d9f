package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/ledgersync/internal/model"
	"github.com/roach88/ledgersync/internal/schema"
)

// DefaultWorkers bounds concurrent collection syncs within one run.
const DefaultWorkers = 4

// SubAccountSource lists the sub-accounts of an owner. Private collections
// of an owner with sub-accounts are synced once per sub-account.
type SubAccountSource interface {
	SubOwners(ctx context.Context, owner string) ([]string, error)
}

// SubAccountsFunc adapts a function to SubAccountSource.
type SubAccountsFunc func(ctx context.Context, owner string) ([]string, error)

// SubOwners implements SubAccountSource.
func (f SubAccountsFunc) SubOwners(ctx context.Context, owner string) ([]string, error) {
	return f(ctx, owner)
}

// ConsistencyChecker compares the store with the remote API after a run.
// Mismatches are findings in the returned results, never errors.
type ConsistencyChecker interface {
	Check(ctx context.Context, owner string, subOwners []string, colls []model.Collection) ([]model.CheckResult, error)
}

// Migrator brings the store schema up to date before a run.
type Migrator interface {
	MigrateToLatest(ctx context.Context) ([]int, error)
}

// Config wires a Sync. Queue, Inserter and Progress are required.
type Config struct {
	Queue       *SyncQueue
	Inserter    *DataInserter
	Progress    *ProgressTracker
	Interrupter *Interrupter

	Migrator    Migrator
	SubAccounts SubAccountSource
	Checker     ConsistencyChecker
	IDs         IDGenerator

	// Workers bounds concurrent collection syncs (default 4).
	Workers int

	Logger *slog.Logger
}

// EntryOutcome is the result of one queue entry.
type EntryOutcome struct {
	EntryID    int64            `json:"entry_id" yaml:"entry_id"`
	Collection string           `json:"collection" yaml:"collection"`
	State      model.QueueState `json:"state" yaml:"state"`
	Error      string           `json:"error,omitempty" yaml:"error,omitempty"`
	Results    []SyncResult     `json:"results,omitempty" yaml:"results,omitempty"`
}

// RunReport summarizes one orchestrator run.
type RunReport struct {
	RunID      string              `json:"run_id" yaml:"run_id"`
	OwnerID    string              `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	State      model.ProgressState `json:"state" yaml:"state"`
	Migrated   []int               `json:"migrated,omitempty" yaml:"migrated,omitempty"`
	Requeued   int                 `json:"requeued,omitempty" yaml:"requeued,omitempty"`
	Entries    []EntryOutcome      `json:"entries" yaml:"entries"`
	Invalid    []ValidationError   `json:"invalid,omitempty" yaml:"invalid,omitempty"`
	Checks     []model.CheckResult `json:"checks,omitempty" yaml:"checks,omitempty"`
	CheckError string              `json:"check_error,omitempty" yaml:"check_error,omitempty"`
	StartedAt  time.Time           `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time           `json:"finished_at" yaml:"finished_at"`
}

// Failed returns the outcomes that ended errored.
func (r *RunReport) Failed() []EntryOutcome {
	var out []EntryOutcome
	for _, e := range r.Entries {
		if e.State == model.QueueStateErrored {
			out = append(out, e)
		}
	}
	return out
}

// Sync is the orchestrator: it drains an owner's queue through the
// DataInserter and tracks the run in the progress row.
type Sync struct {
	queue       *SyncQueue
	inserter    *DataInserter
	progress    *ProgressTracker
	interrupter *Interrupter
	migrator    Migrator
	subs        SubAccountSource
	checker     ConsistencyChecker
	ids         IDGenerator
	workers     int
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates an orchestrator from cfg.
func New(cfg Config) (*Sync, error) {
	if cfg.Queue == nil || cfg.Inserter == nil || cfg.Progress == nil {
		return nil, errors.New("engine: queue, inserter and progress are required")
	}
	s := &Sync{
		queue:       cfg.Queue,
		inserter:    cfg.Inserter,
		progress:    cfg.Progress,
		interrupter: cfg.Interrupter,
		migrator:    cfg.Migrator,
		subs:        cfg.SubAccounts,
		checker:     cfg.Checker,
		ids:         cfg.IDs,
		workers:     cfg.Workers,
		logger:      cfg.Logger,
		active:      make(map[string]struct{}),
	}
	if s.interrupter == nil {
		s.interrupter = NewInterrupter()
	}
	if s.ids == nil {
		s.ids = UUIDv7Generator{}
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Queue returns the sync queue.
func (s *Sync) Queue() *SyncQueue { return s.queue }

// Interrupter returns the interrupter used by Run.
func (s *Sync) Interrupter() *Interrupter { return s.interrupter }

// Interrupt signals owner's active run. Returns false if none is active.
func (s *Sync) Interrupt(owner string) bool {
	return s.interrupter.Interrupt(owner)
}

func (s *Sync) acquire(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[owner]; busy {
		return &AlreadyRunningError{OwnerID: owner}
	}
	s.active[owner] = struct{}{}
	return nil
}

func (s *Sync) release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, owner)
}

// Run drains the queue of owner (the scheduler partition for "").
//
// Only one run per owner proceeds at a time across every process sharing
// the store: the run claims the owner's progress row and keeps renewing
// it, and a live claim of another run fails Run with AlreadyRunningError.
//
// Collection failures are recorded in the report and the queue, and do
// not fail the run. The returned error is reserved for single-flight
// rejection, migration failure and store failure. A migration failure is
// still written to the progress row.
func (s *Sync) Run(ctx context.Context, owner string) (*RunReport, error) {
	if err := s.acquire(owner); err != nil {
		return nil, err
	}
	defer s.release(owner)

	report := &RunReport{
		RunID:     s.ids.Generate(),
		OwnerID:   owner,
		StartedAt: time.Now(),
	}
	tok := s.interrupter.Begin(owner)
	defer s.interrupter.End(owner, tok)

	log := s.logger.With("run_id", report.RunID, "owner", owner)
	log.Info("sync run starting")

	if s.migrator != nil {
		applied, err := s.migrator.MigrateToLatest(ctx)
		if err != nil {
			err = fmt.Errorf("migrate: %w", err)
			if aerr := s.progress.Abort(context.WithoutCancel(ctx), owner, report.RunID, err); aerr != nil {
				log.Error("record migration failure", "error", aerr)
			}
			return nil, err
		}
		report.Migrated = applied
	}

	// Claims the owner in the store. Stale entries are requeued only once
	// the claim is ours.
	if err := s.progress.Start(ctx, owner, report.RunID); err != nil {
		return nil, err
	}
	stopHeartbeat := s.heartbeat(ctx, owner, log)
	defer stopHeartbeat()

	err := s.drain(ctx, tok, owner, report, log)
	if err != nil {
		stopHeartbeat()
		report.State = model.ProgressErrored
		report.FinishedAt = time.Now()
		if ferr := s.progress.Finish(context.WithoutCancel(ctx), owner, model.ProgressErrored, err); ferr != nil {
			log.Error("finish progress", "error", ferr)
		}
		return report, err
	}

	var cause error
	switch {
	case tok.Interrupted():
		report.State = model.ProgressInterrupted
	case len(report.Failed()) > 0:
		report.State = model.ProgressErrored
		first := report.Failed()[0]
		cause = fmt.Errorf("%d collection(s) failed, first: %s: %s", len(report.Failed()), first.Collection, first.Error)
	default:
		report.State = model.ProgressCompleted
	}

	if !tok.Interrupted() {
		s.check(ctx, owner, report, log)
	}

	stopHeartbeat()
	report.FinishedAt = time.Now()
	if err := s.progress.Finish(ctx, owner, report.State, cause); err != nil {
		return report, err
	}

	log.Info("sync run finished",
		"state", report.State,
		"entries", len(report.Entries),
		"invalid", len(report.Invalid),
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

// heartbeat renews the run's claim until the returned stop is called.
func (s *Sync) heartbeat(ctx context.Context, owner string, log *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(s.progress.Lease()/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.progress.Renew(ctx, owner); err != nil && ctx.Err() == nil {
					log.Warn("renew run claim", "error", err)
				}
			}
		}
	}()
	return sync.OnceFunc(func() {
		cancel()
		<-done
	})
}

// drain dispatches queued entries until the queue is empty or the run is
// interrupted. A worker slot is claimed before an entry is dequeued, so
// entries that never start stay queued.
func (s *Sync) drain(ctx context.Context, tok *Token, owner string, report *RunReport, log *slog.Logger) error {
	requeued, err := s.queue.RequeueStale(ctx, owner)
	if err != nil {
		return err
	}
	report.Requeued = len(requeued)

	pending, err := s.queue.List(ctx, owner, model.QueueStateQueued)
	if err != nil {
		return err
	}
	total := len(pending)
	if total == 0 {
		log.Info("sync queue empty")
		return nil
	}

	var (
		mu   sync.Mutex
		done int
	)
	record := func(out EntryOutcome) error {
		mu.Lock()
		report.Entries = append(report.Entries, out)
		for _, r := range out.Results {
			report.Invalid = append(report.Invalid, r.Invalid...)
		}
		done++
		value := float64(done) / float64(total) * 100
		mu.Unlock()
		return s.progress.Update(ctx, owner, value)
	}

	var dispatchErr error
	sem := semaphore.NewWeighted(int64(s.workers))
	g, gctx := errgroup.WithContext(ctx)
	for {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		if tok.Interrupted() {
			sem.Release(1)
			break
		}
		entry, err := s.queue.Next(gctx, owner)
		if err == nil && entry != nil {
			entry, err = s.queue.MarkRunning(gctx, entry.ID)
		}
		if err != nil || entry == nil {
			sem.Release(1)
			dispatchErr = err
			break
		}

		g.Go(func() error {
			defer sem.Release(1)
			out, err := s.runEntry(gctx, tok, owner, entry, log)
			if err != nil {
				return err
			}
			return record(out)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return dispatchErr
}

// subOwners returns the scopes a collection entry syncs: one per
// sub-account, or the master account alone.
func (s *Sync) subOwners(ctx context.Context, coll model.Collection, owner string) ([]string, error) {
	if coll.IsPublic() || s.subs == nil {
		return []string{""}, nil
	}
	subs, err := s.subs.SubOwners(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("sub-accounts of %q: %w", owner, err)
	}
	if len(subs) == 0 {
		return []string{""}, nil
	}
	return subs, nil
}

// runEntry syncs one running entry and moves it to its terminal state.
// Only store failures while marking the entry are returned.
func (s *Sync) runEntry(ctx context.Context, tok *Token, owner string, entry *model.SyncQueueEntry, log *slog.Logger) (EntryOutcome, error) {
	out := EntryOutcome{EntryID: entry.ID, Collection: entry.Collection}

	syncErr := func() error {
		coll, ok := schema.Lookup(entry.Collection)
		if !ok {
			return &CollectionSyncError{Collection: entry.Collection, OwnerID: owner, Stage: "load",
				Err: errors.New("unknown collection")}
		}
		subs, err := s.subOwners(ctx, coll, owner)
		if err != nil {
			return &CollectionSyncError{Collection: coll.Name, OwnerID: owner, Stage: "load", Err: err}
		}
		for _, sub := range subs {
			res, err := s.inserter.SyncCollection(ctx, tok, Job{
				Collection: coll,
				OwnerID:    owner,
				SubOwnerID: sub,
				QueueID:    entry.ID,
			})
			if res != nil {
				out.Results = append(out.Results, *res)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}()

	var (
		marked *model.SyncQueueEntry
		err    error
	)
	switch {
	case errors.Is(syncErr, ErrInterrupted):
		marked, err = s.queue.MarkInterrupted(ctx, entry.ID)
	case syncErr != nil:
		log.Warn("collection sync failed", "collection", entry.Collection, "error", syncErr)
		marked, err = s.queue.MarkErrored(ctx, entry.ID, syncErr)
	default:
		marked, err = s.queue.MarkCompleted(ctx, entry.ID)
	}
	if err != nil {
		return out, err
	}
	out.State = marked.State
	out.Error = marked.Error
	return out, nil
}

// check runs the consistency checker over the collections completed in
// this run. Checker failures are reported, not returned.
func (s *Sync) check(ctx context.Context, owner string, report *RunReport, log *slog.Logger) {
	if s.checker == nil {
		return
	}
	var colls []model.Collection
	for _, e := range report.Entries {
		if e.State != model.QueueStateCompleted {
			continue
		}
		if c, ok := schema.Lookup(e.Collection); ok {
			colls = append(colls, c)
		}
	}
	if len(colls) == 0 {
		return
	}

	var subs []string
	if owner != model.SchedulerOwner && s.subs != nil {
		got, err := s.subs.SubOwners(ctx, owner)
		if err != nil {
			report.CheckError = err.Error()
			log.Warn("consistency check skipped", "error", err)
			return
		}
		subs = got
	}

	results, err := s.checker.Check(ctx, owner, subs, colls)
	if err != nil {
		report.CheckError = err.Error()
		log.Warn("consistency check failed", "error", err)
	}
	report.Checks = results
	for _, r := range results {
		if !r.IsConsistent && !r.Skipped {
			log.Warn("consistency mismatch",
				"collection", r.Collection,
				"sub_owner", r.SubOwnerID,
				"expected_count", r.Expected.Count,
				"actual_count", r.Actual.Count,
				"detail", r.Detail)
		}
	}
}

// RequestBackfill requests history back to since for collection and
// enqueues it. For private collections every sub-account scope gets the
// same base window. A collection that is already queued is not enqueued
// twice.
func (s *Sync) RequestBackfill(ctx context.Context, owner, collection string, since time.Time) ([]*model.SyncUserStep, error) {
	coll, ok := schema.Lookup(collection)
	if !ok {
		return nil, fmt.Errorf("backfill: unknown collection %q", collection)
	}
	subs, err := s.subOwners(ctx, coll, owner)
	if err != nil {
		return nil, err
	}

	var steps []*model.SyncUserStep
	for _, sub := range subs {
		scope := Job{Collection: coll, OwnerID: owner, SubOwnerID: sub}.scope()
		st, err := s.inserter.Steps().RequestBackfill(ctx, coll.Name, scope, since.UnixMilli())
		if err != nil {
			return steps, err
		}
		steps = append(steps, st)
	}

	if _, err := s.queue.Enqueue(ctx, coll.Name, owner); err != nil && !IsDuplicateEntry(err) {
		return steps, err
	}
	return steps, nil
}
