package engine

import (
	"context"
	"fmt"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/model"
)

// StepStore loads and persists SyncUserStep windows.
type StepStore struct {
	dao   dao.DAO
	clock Clock
}

// NewStepStore creates a step store over d.
func NewStepStore(d dao.DAO, clock Clock) *StepStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &StepStore{dao: d, clock: clock}
}

// Load returns the step of collection for scope, or nil if it was never
// synced.
func (s *StepStore) Load(ctx context.Context, collection string, scope dao.Scope) (*model.SyncUserStep, error) {
	return s.dao.GetSyncUserStep(ctx, collection, scope)
}

// LoadOrInit returns the step of collection for scope, creating it when
// absent. A new step is forward-only: CurrStart is seeded at now and no
// base window is requested.
func (s *StepStore) LoadOrInit(ctx context.Context, collection string, scope dao.Scope) (*model.SyncUserStep, error) {
	var step *model.SyncUserStep
	err := s.dao.WithTx(ctx, func(tx dao.Tx) error {
		got, err := tx.GetSyncUserStep(ctx, collection, scope)
		if err != nil {
			return err
		}
		if got == nil {
			got = &model.SyncUserStep{
				Collection: collection,
				OwnerID:    scope.OwnerID,
				SubOwnerID: scope.SubOwnerID,
				CurrStart:  nowMillis(s.clock),
			}
			if err := tx.SaveSyncUserStep(ctx, got); err != nil {
				return err
			}
		}
		step = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load step %s: %w", collection, err)
	}
	return step, nil
}

// RequestBackfill asks for history back to since (unix ms). The base
// window becomes [since, CurrStart], or extends an existing one downward.
func (s *StepStore) RequestBackfill(ctx context.Context, collection string, scope dao.Scope, since int64) (*model.SyncUserStep, error) {
	if _, err := s.LoadOrInit(ctx, collection, scope); err != nil {
		return nil, err
	}

	var step *model.SyncUserStep
	err := s.dao.WithTx(ctx, func(tx dao.Tx) error {
		got, err := tx.GetSyncUserStep(ctx, collection, scope)
		if err != nil {
			return err
		}
		if got == nil {
			return fmt.Errorf("step %s vanished", collection)
		}
		if err := requestBackfill(got, since); err != nil {
			return err
		}
		if err := tx.SaveSyncUserStep(ctx, got); err != nil {
			return err
		}
		step = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backfill %s: %w", collection, err)
	}
	return step, nil
}

// Save persists step inside tx.
func (s *StepStore) Save(ctx context.Context, tx dao.Tx, step *model.SyncUserStep) error {
	return tx.SaveSyncUserStep(ctx, step)
}

// stepRequest is the window of the next page fetch.
type stepRequest struct {
	base  bool
	start int64
	end   int64
}

func (r stepRequest) window() string {
	if r.base {
		return "base"
	}
	return "curr"
}

// requestBackfill sets or extends the base window of step.
func requestBackfill(step *model.SyncUserStep, since int64) error {
	if since <= 0 {
		return fmt.Errorf("backfill start must be positive, got %d", since)
	}
	if since >= step.CurrStart {
		return fmt.Errorf("backfill start %d must precede current window start %d", since, step.CurrStart)
	}

	switch {
	case !step.HasBackfill():
		step.BaseStart = since
		step.BaseEnd = step.CurrStart
		step.IsBaseStepReady = false
	case step.IsBaseStepReady:
		if since >= step.BaseStart {
			return nil
		}
		step.BaseEnd = step.BaseStart
		step.BaseStart = since
		step.IsBaseStepReady = false
	default:
		if since < step.BaseStart {
			step.BaseStart = since
		}
	}
	return nil
}

// canBeginCurr reports whether a new curr segment may start: the step is
// fresh or its previous segment is complete.
func canBeginCurr(step *model.SyncUserStep) bool {
	return step.IsCurrStepReady || step.SyncedAt == 0
}

// beginCurr opens a curr segment from the last sync target up to now.
func beginCurr(step *model.SyncUserStep, now int64) {
	if step.SyncedAt > 0 {
		step.CurrStart = step.SyncedAt
	}
	if now < step.CurrStart {
		now = step.CurrStart
	}
	step.SyncedAt = now
	step.CurrEnd = now
	step.IsCurrStepReady = false
}

// planNext returns the window of the next page. The base window is drained
// before the curr window. ok is false when nothing is pending.
func planNext(step *model.SyncUserStep) (req stepRequest, ok bool) {
	if step.NeedsBackfill() {
		return stepRequest{base: true, start: step.BaseStart, end: step.BaseEnd}, true
	}
	if !step.IsCurrStepReady && step.SyncedAt > 0 {
		return stepRequest{start: step.CurrStart, end: step.CurrEnd}, true
	}
	return stepRequest{}, false
}

// advance moves the cursor of req's window after a committed page of n
// records whose oldest date is oldest. It reports whether the window is
// exhausted.
func advance(step *model.SyncUserStep, req stepRequest, n, limit int, oldest int64) bool {
	exhausted := n < limit

	end := oldest
	if !exhausted {
		// Same-date safety: always move at least one millisecond down.
		if end >= req.end {
			end = req.end - 1
		}
		if end < req.start {
			end = req.start
		}
		if end >= req.end {
			exhausted = true
		}
	}

	if req.base {
		if exhausted {
			step.BaseEnd = step.BaseStart
			step.IsBaseStepReady = true
		} else {
			step.BaseEnd = end
		}
		return exhausted
	}

	if exhausted {
		step.CurrEnd = step.SyncedAt
		step.IsCurrStepReady = true
	} else {
		step.CurrEnd = end
	}
	return exhausted
}
