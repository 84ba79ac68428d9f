package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/events"
	"github.com/roach88/ledgersync/internal/model"
)

// DefaultLease is how long a run's claim on its owner holds without a
// renewal.
const DefaultLease = 2 * time.Minute

// ProgressTracker maintains the single progress row of each owner.
//
// The row is also the owner's run claim: Start fails with
// AlreadyRunningError while another run's lease is live, whichever
// process holds it. Writes of a run whose row was taken over fail with
// ClaimLostError.
//
// Within a run the value never decreases: Update with a lower value than
// the last written one is a no-op. Start resets the value to 0.
type ProgressTracker struct {
	dao     dao.DAO
	emitter events.Emitter
	clock   Clock
	lease   time.Duration

	mu   sync.Mutex
	runs map[string]*model.ProgressRecord
}

// ProgressOption configures a ProgressTracker.
type ProgressOption func(*ProgressTracker)

// WithLease sets the claim lease (default DefaultLease).
func WithLease(d time.Duration) ProgressOption {
	return func(p *ProgressTracker) {
		if d > 0 {
			p.lease = d
		}
	}
}

// NewProgressTracker creates a tracker over d. A nil emitter discards events.
func NewProgressTracker(d dao.DAO, emitter events.Emitter, clock Clock, opts ...ProgressOption) *ProgressTracker {
	if emitter == nil {
		emitter = events.Nop
	}
	if clock == nil {
		clock = SystemClock{}
	}
	p := &ProgressTracker{
		dao:     d,
		emitter: emitter,
		clock:   clock,
		lease:   DefaultLease,
		runs:    make(map[string]*model.ProgressRecord),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lease returns the claim lease.
func (p *ProgressTracker) Lease() time.Duration { return p.lease }

// Start claims owner for runID and begins the run: value 0, state running.
// A running row whose lease has expired belongs to a dead run and is
// taken over.
func (p *ProgressTracker) Start(ctx context.Context, owner, runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	rec := &model.ProgressRecord{
		OwnerID:    owner,
		RunID:      runID,
		Value:      0,
		State:      model.ProgressRunning,
		LeaseUntil: now.Add(p.lease).UnixMilli(),
	}
	err := p.dao.WithTx(ctx, func(tx dao.Tx) error {
		cur, err := tx.GetProgress(ctx, owner)
		if err != nil {
			return err
		}
		if cur.IsClaimed(now) && cur.RunID != runID {
			return &AlreadyRunningError{OwnerID: owner, RunID: cur.RunID}
		}
		return tx.SaveProgress(ctx, rec)
	})
	if err != nil {
		return err
	}
	p.emit(rec)
	p.runs[owner] = rec
	return nil
}

// Update raises the value of owner's active run and renews its lease.
// Values are clamped to [0, 100]; values at or below the current one are
// ignored.
func (p *ProgressTracker) Update(ctx context.Context, owner string, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.runs[owner]
	if !ok {
		return fmt.Errorf("progress: no active run for owner %q", owner)
	}
	value = clampPercent(value)
	if value <= rec.Value {
		return nil
	}

	next := *rec
	next.Value = value
	next.LeaseUntil = p.clock.Now().Add(p.lease).UnixMilli()
	if err := p.commit(ctx, &next); err != nil {
		return err
	}
	p.emit(&next)
	*rec = next
	return nil
}

// Renew extends the lease of owner's active run.
func (p *ProgressTracker) Renew(ctx context.Context, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.runs[owner]
	if !ok {
		return fmt.Errorf("progress: no active run for owner %q", owner)
	}
	next := *rec
	next.LeaseUntil = p.clock.Now().Add(p.lease).UnixMilli()
	if err := p.commit(ctx, &next); err != nil {
		return err
	}
	*rec = next
	return nil
}

// Finish ends owner's active run with state and releases the claim. A
// completed run is written at 100. cause, if any, is stored as the error
// text.
func (p *ProgressTracker) Finish(ctx context.Context, owner string, state model.ProgressState, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.runs[owner]
	if !ok {
		rec = &model.ProgressRecord{OwnerID: owner}
	}
	next := *rec
	next.State = state
	next.LeaseUntil = 0
	if state == model.ProgressCompleted {
		next.Value = 100
	}
	next.Error = ""
	if cause != nil {
		next.Error = cause.Error()
	}

	var err error
	if ok {
		err = p.commit(ctx, &next)
	} else {
		err = p.dao.SaveProgress(ctx, &next)
	}
	delete(p.runs, owner)
	if err != nil {
		return err
	}
	p.emit(&next)
	return nil
}

// Abort records runID as errored with cause without it ever having
// started, e.g. when the schema could not be migrated. A live claim of
// another run is left alone and reported as AlreadyRunningError.
func (p *ProgressTracker) Abort(ctx context.Context, owner, runID string, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	rec := &model.ProgressRecord{
		OwnerID: owner,
		RunID:   runID,
		State:   model.ProgressErrored,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	err := p.dao.WithTx(ctx, func(tx dao.Tx) error {
		cur, err := tx.GetProgress(ctx, owner)
		if err != nil {
			return err
		}
		if cur.IsClaimed(now) && cur.RunID != runID {
			return &AlreadyRunningError{OwnerID: owner, RunID: cur.RunID}
		}
		return tx.SaveProgress(ctx, rec)
	})
	if err != nil {
		return err
	}
	p.emit(rec)
	return nil
}

// Get returns the stored progress of owner, or nil if it never ran.
func (p *ProgressTracker) Get(ctx context.Context, owner string) (*model.ProgressRecord, error) {
	return p.dao.GetProgress(ctx, owner)
}

// commit writes rec if the stored row still belongs to rec's run.
func (p *ProgressTracker) commit(ctx context.Context, rec *model.ProgressRecord) error {
	return p.dao.WithTx(ctx, func(tx dao.Tx) error {
		cur, err := tx.GetProgress(ctx, rec.OwnerID)
		if err != nil {
			return err
		}
		if cur == nil || cur.RunID != rec.RunID {
			holder := ""
			if cur != nil {
				holder = cur.RunID
			}
			return &ClaimLostError{OwnerID: rec.OwnerID, RunID: rec.RunID, Holder: holder}
		}
		return tx.SaveProgress(ctx, rec)
	})
}

func (p *ProgressTracker) emit(rec *model.ProgressRecord) {
	p.emitter.Emit(events.Event{
		Type:      events.ProgressUpdated,
		OwnerID:   rec.OwnerID,
		State:     string(rec.State),
		Value:     rec.Value,
		Detail:    rec.Error,
		Timestamp: p.clock.Now(),
	})
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
