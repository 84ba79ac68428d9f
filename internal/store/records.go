package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/model"
	"github.com/roach88/ledgersync/internal/schema"
)

// UpsertRecords writes recs into the table of coll under scope and returns
// the number of rows written.
//
// Rows are keyed by (owner_id, sub_owner_id, rec_key). Immutable collections
// keep the first copy of a key; mutable ones overwrite it.
func (q *queries) UpsertRecords(ctx context.Context, coll model.Collection, scope dao.Scope, recs []model.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	conflict := `DO NOTHING`
	if coll.Mutable {
		conflict = `DO UPDATE SET
			mts = excluded.mts,
			amount = excluded.amount,
			currency = excluded.currency,
			amount_usd = excluded.amount_usd,
			balance = excluded.balance,
			payload = excluded.payload,
			updated_at = excluded.updated_at`
	}

	query := `INSERT INTO ` + quoteIdent(coll.Name) + `
		(owner_id, sub_owner_id, rec_key, mts, amount, currency, amount_usd, balance, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, sub_owner_id, rec_key) ` + conflict

	now := nowMillis()
	written := 0
	for _, r := range recs {
		payload, err := marshalPayload(r.Payload)
		if err != nil {
			return written, fmt.Errorf("upsert %s: key %s: %w", coll.Name, r.Key, err)
		}
		res, err := q.x.ExecContext(ctx, query,
			scope.OwnerID,
			scope.SubOwnerID,
			r.Key,
			r.Mts,
			r.Amount,
			nullString(r.Currency),
			nullFloat(r.AmountUSD),
			nullFloat(r.Balance),
			payload,
			now,
			now,
		)
		if err != nil {
			return written, fmt.Errorf("upsert %s: key %s: %w", coll.Name, r.Key, mapError(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return written, fmt.Errorf("upsert %s: %w", coll.Name, err)
		}
		written += int(n)
	}
	return written, nil
}

// Summarize counts the rows of coll under scope with mts inside w and sums
// their amount column.
func (q *queries) Summarize(ctx context.Context, coll model.Collection, scope dao.Scope, w dao.Window) (model.Summary, error) {
	var sum model.Summary
	err := q.x.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM `+quoteIdent(coll.Name)+`
		WHERE owner_id = ? AND sub_owner_id = ? AND mts >= ? AND (? = 0 OR mts <= ?)
	`, scope.OwnerID, scope.SubOwnerID, w.Start, w.End, w.End).Scan(&sum.Count, &sum.Sum)
	if err != nil {
		return model.Summary{}, fmt.Errorf("summarize %s: %w", coll.Name, err)
	}
	return sum, nil
}

// LastBalance returns the newest stored balance of currency strictly before
// the given mts.
func (q *queries) LastBalance(ctx context.Context, coll model.Collection, scope dao.Scope, currency string, before int64) (float64, bool, error) {
	var balance float64
	err := q.x.QueryRowContext(ctx, `
		SELECT balance FROM `+quoteIdent(coll.Name)+`
		WHERE owner_id = ? AND sub_owner_id = ? AND currency = ? AND mts < ? AND balance IS NOT NULL
		ORDER BY mts DESC, _id DESC
		LIMIT 1
	`, scope.OwnerID, scope.SubOwnerID, currency, before).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("last balance %s/%s: %w", coll.Name, currency, err)
	}
	return balance, true, nil
}

// RecordsFrom returns the rows of coll under scope with mts at or after
// from, oldest first. Payloads are not loaded.
func (q *queries) RecordsFrom(ctx context.Context, coll model.Collection, scope dao.Scope, from int64) ([]model.Record, error) {
	rows, err := q.x.QueryContext(ctx, `
		SELECT rec_key, mts, amount, currency, amount_usd, balance FROM `+quoteIdent(coll.Name)+`
		WHERE owner_id = ? AND sub_owner_id = ? AND mts >= ?
		ORDER BY mts ASC, _id ASC
	`, scope.OwnerID, scope.SubOwnerID, from)
	if err != nil {
		return nil, fmt.Errorf("records %s: %w", coll.Name, err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var (
			r         model.Record
			amount    sql.NullFloat64
			currency  sql.NullString
			amountUSD sql.NullFloat64
			balance   sql.NullFloat64
		)
		if err := rows.Scan(&r.Key, &r.Mts, &amount, &currency, &amountUSD, &balance); err != nil {
			return nil, fmt.Errorf("records %s: %w", coll.Name, err)
		}
		r.Amount = amount.Float64
		r.Currency = currency.String
		r.AmountUSD = floatPtr(amountUSD)
		r.Balance = floatPtr(balance)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("records %s: %w", coll.Name, err)
	}
	return out, nil
}

// SetBalance overwrites the balance of the row keyed by key.
func (q *queries) SetBalance(ctx context.Context, coll model.Collection, scope dao.Scope, key string, balance float64) error {
	_, err := q.x.ExecContext(ctx, `
		UPDATE `+quoteIdent(coll.Name)+` SET balance = ?, updated_at = ?
		WHERE owner_id = ? AND sub_owner_id = ? AND rec_key = ?
	`, balance, nowMillis(), scope.OwnerID, scope.SubOwnerID, key)
	if err != nil {
		return fmt.Errorf("set balance %s/%s: %w", coll.Name, key, mapError(err))
	}
	return nil
}

// LatestClose returns the close of the newest stored candle of symbol at or
// before at.
func (q *queries) LatestClose(ctx context.Context, symbol string, at int64) (float64, bool, error) {
	var closePrice float64
	err := q.x.QueryRowContext(ctx, `
		SELECT amount FROM `+quoteIdent(schema.CandlesCollection)+`
		WHERE owner_id = '' AND json_extract(payload, '$.symbol') = ? AND mts <= ? AND amount IS NOT NULL
		ORDER BY mts DESC
		LIMIT 1
	`, symbol, at).Scan(&closePrice)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest close %s: %w", symbol, err)
	}
	return closePrice, true, nil
}

func marshalPayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
