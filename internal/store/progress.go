package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/ledgersync/internal/model"
)

// GetProgress returns the progress row of ownerID, or nil.
func (q *queries) GetProgress(ctx context.Context, ownerID string) (*model.ProgressRecord, error) {
	var (
		p         model.ProgressRecord
		runID     sql.NullString
		state     string
		errText   sql.NullString
		lease     sql.NullInt64
		createdAt sql.NullInt64
		updatedAt sql.NullInt64
	)
	err := q.x.QueryRowContext(ctx, `
		SELECT owner_id, run_id, value, state, error, lease_until, created_at, updated_at
		FROM progress WHERE owner_id = ?
	`, ownerID).Scan(&p.OwnerID, &runID, &p.Value, &state, &errText, &lease, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	p.RunID = runID.String
	p.State = model.ProgressState(state)
	p.Error = errText.String
	p.LeaseUntil = lease.Int64
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// SaveProgress overwrites the single progress row of p.OwnerID.
func (q *queries) SaveProgress(ctx context.Context, p *model.ProgressRecord) error {
	now := nowMillis()
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO progress (owner_id, run_id, value, state, error, lease_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			run_id = excluded.run_id,
			value = excluded.value,
			state = excluded.state,
			error = excluded.error,
			lease_until = excluded.lease_until,
			updated_at = excluded.updated_at
	`,
		p.OwnerID,
		nullString(p.RunID),
		p.Value,
		string(p.State),
		nullString(p.Error),
		sql.NullInt64{Int64: p.LeaseUntil, Valid: p.LeaseUntil > 0},
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", mapError(err))
	}
	p.UpdatedAt = fromMillis(sql.NullInt64{Int64: now, Valid: true})
	return nil
}
