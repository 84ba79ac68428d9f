package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/model"
)

const stepColumns = `_id, coll_name, owner_id, sub_owner_id,
	base_start, base_end, is_base_step_ready,
	curr_start, curr_end, is_curr_step_ready,
	synced_at, sync_queue_id, created_at, updated_at`

// GetSyncUserStep returns the step row of collection for scope, or nil.
func (q *queries) GetSyncUserStep(ctx context.Context, collection string, scope dao.Scope) (*model.SyncUserStep, error) {
	ownerClauseSQL, args := ownerClause("owner_id", scope.OwnerID)
	subClauseSQL, subArgs := ownerClause("sub_owner_id", scope.SubOwnerID)
	args = append([]any{collection}, args...)
	args = append(args, subArgs...)

	row := q.x.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM sync_user_steps
		WHERE coll_name = ? AND `+ownerClauseSQL+` AND `+subClauseSQL+`
		LIMIT 1
	`, args...)

	var (
		s                    model.SyncUserStep
		ownerID, subOwnerID  sql.NullString
		baseStart, baseEnd   sql.NullInt64
		currStart, currEnd   sql.NullInt64
		syncedAt, queueID    sql.NullInt64
		baseReady, currReady int
		createdAt, updatedAt sql.NullInt64
	)
	err := row.Scan(
		&s.ID, &s.Collection, &ownerID, &subOwnerID,
		&baseStart, &baseEnd, &baseReady,
		&currStart, &currEnd, &currReady,
		&syncedAt, &queueID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync user step %s: %w", collection, err)
	}

	s.OwnerID = ownerID.String
	s.SubOwnerID = subOwnerID.String
	s.BaseStart = baseStart.Int64
	s.BaseEnd = baseEnd.Int64
	s.IsBaseStepReady = baseReady != 0
	s.CurrStart = currStart.Int64
	s.CurrEnd = currEnd.Int64
	s.IsCurrStepReady = currReady != 0
	s.SyncedAt = syncedAt.Int64
	s.SyncQueueID = queueID.Int64
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

// SaveSyncUserStep inserts step when its ID is zero, otherwise updates the
// window columns in place.
func (q *queries) SaveSyncUserStep(ctx context.Context, step *model.SyncUserStep) error {
	now := nowMillis()

	if step.ID == 0 {
		res, err := q.x.ExecContext(ctx, `
			INSERT INTO sync_user_steps
			(coll_name, owner_id, sub_owner_id,
			 base_start, base_end, is_base_step_ready,
			 curr_start, curr_end, is_curr_step_ready,
			 synced_at, sync_queue_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			step.Collection,
			nullString(step.OwnerID),
			nullString(step.SubOwnerID),
			nullMillis(step.BaseStart),
			nullMillis(step.BaseEnd),
			boolInt(step.IsBaseStepReady),
			nullMillis(step.CurrStart),
			nullMillis(step.CurrEnd),
			boolInt(step.IsCurrStepReady),
			nullMillis(step.SyncedAt),
			nullMillis(step.SyncQueueID),
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert sync user step %s: %w", step.Collection, mapError(err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert sync user step: last insert id: %w", err)
		}
		step.ID = id
		step.CreatedAt = fromMillis(sql.NullInt64{Int64: now, Valid: true})
		step.UpdatedAt = step.CreatedAt
		return nil
	}

	res, err := q.x.ExecContext(ctx, `
		UPDATE sync_user_steps SET
			base_start = ?, base_end = ?, is_base_step_ready = ?,
			curr_start = ?, curr_end = ?, is_curr_step_ready = ?,
			synced_at = ?, sync_queue_id = ?, updated_at = ?
		WHERE _id = ?
	`,
		nullMillis(step.BaseStart),
		nullMillis(step.BaseEnd),
		boolInt(step.IsBaseStepReady),
		nullMillis(step.CurrStart),
		nullMillis(step.CurrEnd),
		boolInt(step.IsCurrStepReady),
		nullMillis(step.SyncedAt),
		nullMillis(step.SyncQueueID),
		now,
		step.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync user step %d: %w", step.ID, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync user step %d: %w", step.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update sync user step %d: %w", step.ID, sql.ErrNoRows)
	}
	step.UpdatedAt = fromMillis(sql.NullInt64{Int64: now, Valid: true})
	return nil
}
