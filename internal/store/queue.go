package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/ledgersync/internal/model"
)

const queueColumns = `_id, coll_name, state, error, owner_id, is_owner_scheduler, created_at, updated_at`

// ownerClause matches the scheduler partition (NULL owner) or one owner.
func ownerClause(column, ownerID string) (string, []any) {
	if ownerID == model.SchedulerOwner {
		return column + " IS NULL", nil
	}
	return column + " = ?", []any{ownerID}
}

// InsertQueueEntry inserts e and sets its ID and timestamps.
// Returns a wrapped dao.ErrUniqueViolation if (owner, collection) already
// has an active entry.
func (q *queries) InsertQueueEntry(ctx context.Context, e *model.SyncQueueEntry) error {
	now := nowMillis()
	res, err := q.x.ExecContext(ctx, `
		INSERT INTO sync_queue
		(coll_name, state, error, owner_id, is_owner_scheduler, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.Collection,
		string(e.State),
		nullString(e.Error),
		nullString(e.OwnerID),
		boolInt(e.IsOwnerScheduler),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert queue entry %s: %w", e.Collection, mapError(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert queue entry: last insert id: %w", err)
	}
	e.ID = id
	e.CreatedAt = fromMillis(sql.NullInt64{Int64: now, Valid: true})
	e.UpdatedAt = e.CreatedAt
	return nil
}

// UpdateQueueEntry persists the state and error of an existing entry.
func (q *queries) UpdateQueueEntry(ctx context.Context, e *model.SyncQueueEntry) error {
	now := nowMillis()
	res, err := q.x.ExecContext(ctx, `
		UPDATE sync_queue SET state = ?, error = ?, updated_at = ?
		WHERE _id = ?
	`, string(e.State), nullString(e.Error), now, e.ID)
	if err != nil {
		return fmt.Errorf("update queue entry %d: %w", e.ID, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update queue entry %d: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update queue entry %d: %w", e.ID, sql.ErrNoRows)
	}
	e.UpdatedAt = fromMillis(sql.NullInt64{Int64: now, Valid: true})
	return nil
}

// GetQueueEntry returns the entry with id, or nil if absent.
func (q *queries) GetQueueEntry(ctx context.Context, id int64) (*model.SyncQueueEntry, error) {
	row := q.x.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE _id = ?`, id)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry %d: %w", id, err)
	}
	return e, nil
}

// FindActiveQueueEntry returns the queued or running entry of
// (ownerID, collection), or nil.
func (q *queries) FindActiveQueueEntry(ctx context.Context, ownerID, collection string) (*model.SyncQueueEntry, error) {
	clause, args := ownerClause("owner_id", ownerID)
	args = append([]any{collection}, args...)
	row := q.x.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE coll_name = ? AND `+clause+` AND state IN ('queued', 'running')
		ORDER BY _id ASC LIMIT 1
	`, args...)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active queue entry %s: %w", collection, err)
	}
	return e, nil
}

// NextQueuedEntry returns the oldest queued entry of ownerID, or nil.
func (q *queries) NextQueuedEntry(ctx context.Context, ownerID string) (*model.SyncQueueEntry, error) {
	clause, args := ownerClause("owner_id", ownerID)
	row := q.x.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE `+clause+` AND state = 'queued'
		ORDER BY _id ASC LIMIT 1
	`, args...)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued entry: %w", err)
	}
	return e, nil
}

// ListQueueEntries returns the entries of ownerID in insertion order.
// With no states, every entry is returned.
func (q *queries) ListQueueEntries(ctx context.Context, ownerID string, states ...model.QueueState) ([]model.SyncQueueEntry, error) {
	clause, args := ownerClause("owner_id", ownerID)
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE ` + clause
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, st := range states {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND state IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY _id ASC`

	rows, err := q.x.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var out []model.SyncQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list queue entries: scan: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(r rowScanner) (*model.SyncQueueEntry, error) {
	var (
		e         model.SyncQueueEntry
		state     string
		errText   sql.NullString
		ownerID   sql.NullString
		scheduler int
		createdAt sql.NullInt64
		updatedAt sql.NullInt64
	)
	if err := r.Scan(&e.ID, &e.Collection, &state, &errText, &ownerID, &scheduler, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.State = model.QueueState(state)
	e.Error = errText.String
	e.OwnerID = ownerID.String
	e.IsOwnerScheduler = scheduler != 0
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}
