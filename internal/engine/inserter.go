package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/model"
	"github.com/roach88/ledgersync/internal/remote"
)

// DefaultPageSize is the page limit sent to the remote API.
const DefaultPageSize = 10000

// InserterConfig tunes DataInserter.
type InserterConfig struct {
	PageSize int
	Retry    remote.RetryPolicy
}

// DefaultInserterConfig returns the defaults used when nothing is configured.
func DefaultInserterConfig() InserterConfig {
	return InserterConfig{
		PageSize: DefaultPageSize,
		Retry:    remote.DefaultRetryPolicy(),
	}
}

// Job identifies one (collection, owner, sub-owner) sync.
type Job struct {
	Collection model.Collection
	OwnerID    string
	SubOwnerID string

	// QueueID links the step row to the queue entry that advanced it.
	QueueID int64
}

func (j Job) scope() dao.Scope {
	if j.Collection.IsPublic() {
		return dao.Scope{}
	}
	return dao.Scope{OwnerID: j.OwnerID, SubOwnerID: j.SubOwnerID}
}

// SyncResult summarizes one DataInserter.SyncCollection call.
type SyncResult struct {
	Collection string            `json:"collection" yaml:"collection"`
	OwnerID    string            `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	SubOwnerID string            `json:"sub_owner_id,omitempty" yaml:"sub_owner_id,omitempty"`
	Pages      int               `json:"pages" yaml:"pages"`
	Fetched    int               `json:"fetched" yaml:"fetched"`
	Written    int               `json:"written" yaml:"written"`
	Duplicates int               `json:"duplicates" yaml:"duplicates"`
	Invalid    []ValidationError `json:"invalid,omitempty" yaml:"invalid,omitempty"`

	Interrupted bool `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`

	// Step is the window state after the last committed page.
	Step *model.SyncUserStep `json:"step,omitempty" yaml:"step,omitempty"`
}

// DataInserter pulls pages from the remote API into the store, one
// collection window at a time.
type DataInserter struct {
	dao    dao.DAO
	api    remote.API
	creds  remote.CredentialSource
	steps  *StepStore
	hooks  []Hook
	final  []Finalizer
	cfg    InserterConfig
	clock  Clock
	logger *slog.Logger
}

// InserterOption configures a DataInserter.
type InserterOption func(*DataInserter)

// WithHooks sets the hook chain, applied in the given order.
func WithHooks(hooks ...Hook) InserterOption {
	return func(di *DataInserter) {
		di.hooks = append([]Hook(nil), hooks...)
	}
}

// WithFinalizers sets the finalizers run after the last page of each
// SyncCollection call, in the given order.
func WithFinalizers(fs ...Finalizer) InserterOption {
	return func(di *DataInserter) {
		di.final = append([]Finalizer(nil), fs...)
	}
}

// WithInserterConfig overrides page size and retry policy.
func WithInserterConfig(cfg InserterConfig) InserterOption {
	return func(di *DataInserter) {
		di.cfg = cfg
	}
}

// WithCredentials sets where per-account Auth comes from.
func WithCredentials(creds remote.CredentialSource) InserterOption {
	return func(di *DataInserter) {
		di.creds = creds
	}
}

// WithInserterClock replaces the wall clock used for window targets.
func WithInserterClock(c Clock) InserterOption {
	return func(di *DataInserter) {
		di.clock = c
	}
}

// WithInserterLogger sets the logger.
func WithInserterLogger(l *slog.Logger) InserterOption {
	return func(di *DataInserter) {
		di.logger = l
	}
}

// NewDataInserter creates an inserter. api is wrapped with the configured
// retry policy; pass an already wrapped API with Retry.Attempts = 1 to opt
// out.
func NewDataInserter(d dao.DAO, api remote.API, opts ...InserterOption) *DataInserter {
	di := &DataInserter{
		dao:    d,
		cfg:    DefaultInserterConfig(),
		clock:  SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(di)
	}
	if di.cfg.PageSize <= 0 {
		di.cfg.PageSize = DefaultPageSize
	}
	retrying := remote.NewRetrying(api, di.cfg.Retry)
	retrying.Logger = di.logger
	di.api = retrying
	di.steps = NewStepStore(d, di.clock)
	return di
}

// Steps returns the step store the inserter advances.
func (di *DataInserter) Steps() *StepStore {
	return di.steps
}

// SyncCollection syncs the pending windows of one job: the base window
// first when a backfill is requested, then the curr window up to now.
//
// The token is checked before every page. On interrupt the result is
// returned with ErrInterrupted; every page committed so far stays durable.
// API and store failures are returned as *CollectionSyncError.
func (di *DataInserter) SyncCollection(ctx context.Context, tok *Token, job Job) (*SyncResult, error) {
	coll := job.Collection
	scope := job.scope()
	res := &SyncResult{Collection: coll.Name, OwnerID: scope.OwnerID, SubOwnerID: scope.SubOwnerID}

	fail := func(stage string, err error) (*SyncResult, error) {
		return res, &CollectionSyncError{
			Collection: coll.Name,
			OwnerID:    scope.OwnerID,
			SubOwnerID: scope.SubOwnerID,
			Stage:      stage,
			Err:        err,
		}
	}

	var auth remote.Auth
	if di.creds != nil && !coll.IsPublic() {
		a, err := di.creds.Credentials(ctx, scope.OwnerID, scope.SubOwnerID)
		if err != nil {
			return fail("load", fmt.Errorf("credentials: %w", err))
		}
		auth = a
	}

	step, err := di.steps.LoadOrInit(ctx, coll.Name, scope)
	if err != nil {
		return fail("load", err)
	}
	res.Step = step

	hc := HookContext{Collection: coll, Scope: scope, Reader: di.dao}
	seen := make(map[string]struct{})
	// oldestWritten is the oldest date handed to the store, 0 before the
	// first non-empty page.
	var oldestWritten int64
	// An unfinished curr segment is resumed rather than extended to now.
	canBegin := canBeginCurr(step)
	for {
		req, ok := planNext(step)
		if !ok {
			if canBegin {
				beginCurr(step, nowMillis(di.clock))
				canBegin = false
				continue
			}
			break
		}

		if tok.Interrupted() {
			res.Interrupted = true
			if err := di.finalize(ctx, hc, oldestWritten); err != nil {
				return fail("finalize", err)
			}
			return res, ErrInterrupted
		}
		if err := ctx.Err(); err != nil {
			return fail("fetch", err)
		}

		page, err := di.api.Call(ctx, coll.Method, remote.Args{
			Auth: auth,
			Params: remote.Params{
				Start: req.start,
				End:   req.end,
				Limit: di.cfg.PageSize,
			},
		})
		if err != nil {
			return fail("fetch", err)
		}

		var raw []map[string]any
		if page != nil {
			raw = page.Res
		}
		n := len(raw)
		if n >= di.cfg.PageSize && allAt(coll, raw, req.end) {
			raw, err = di.widen(ctx, coll, auth, req.end, raw)
			if err != nil {
				return fail("fetch", err)
			}
		}
		recs, oldest := di.prepare(coll, raw, req, seen, res)

		if err := runHooks(ctx, di.hooks, hc, recs); err != nil {
			return fail("hook", err)
		}
		for _, r := range recs {
			if oldestWritten == 0 || r.Mts < oldestWritten {
				oldestWritten = r.Mts
			}
		}

		next := *step
		exhausted := advance(&next, req, n, di.cfg.PageSize, oldest)
		if job.QueueID != 0 {
			next.SyncQueueID = job.QueueID
		}

		var written int
		err = di.dao.WithTx(ctx, func(tx dao.Tx) error {
			n, err := tx.UpsertRecords(ctx, coll, scope, recs)
			if err != nil {
				return err
			}
			written = n
			return di.steps.Save(ctx, tx, &next)
		})
		if err != nil {
			return fail("persist", err)
		}

		*step = next
		res.Pages++
		res.Fetched += len(raw)
		res.Written += written

		di.logger.Debug("page committed",
			"collection", coll.Name,
			"owner", scope.OwnerID,
			"sub_owner", scope.SubOwnerID,
			"window", req.window(),
			"start", req.start,
			"end", req.end,
			"fetched", len(raw),
			"written", written,
			"exhausted", exhausted)
	}

	if err := di.finalize(ctx, hc, oldestWritten); err != nil {
		return fail("finalize", err)
	}

	di.logger.Info("collection synced",
		"collection", coll.Name,
		"owner", scope.OwnerID,
		"sub_owner", scope.SubOwnerID,
		"pages", res.Pages,
		"fetched", res.Fetched,
		"written", res.Written,
		"invalid", len(res.Invalid))
	return res, nil
}

// finalize runs the finalizers in one transaction. Nothing runs when the
// call wrote no rows.
func (di *DataInserter) finalize(ctx context.Context, hc HookContext, from int64) error {
	if len(di.final) == 0 || from == 0 {
		return nil
	}
	return di.dao.WithTx(ctx, func(tx dao.Tx) error {
		for _, f := range di.final {
			if err := f.Finalize(ctx, hc, tx, from); err != nil {
				return fmt.Errorf("%s: %w", f.Name(), err)
			}
		}
		return nil
	})
}

// allAt reports whether every item of raw is dated exactly at mts.
func allAt(coll model.Collection, raw []map[string]any, mts int64) bool {
	for _, item := range raw {
		v, ok, err := number(item[coll.DateField])
		if err != nil || !ok || int64(v) != mts {
			return false
		}
	}
	return len(raw) > 0
}

// widen refetches the single millisecond at end with a doubling limit
// until the API returns fewer items than asked for. A full page dated
// entirely at the request end would otherwise lose the rest of that
// millisecond once the cursor steps below it.
func (di *DataInserter) widen(ctx context.Context, coll model.Collection, auth remote.Auth, end int64, raw []map[string]any) ([]map[string]any, error) {
	limit := len(raw)
	for {
		limit *= 2
		page, err := di.api.Call(ctx, coll.Method, remote.Args{
			Auth:   auth,
			Params: remote.Params{Start: end, End: end, Limit: limit},
		})
		if err != nil {
			return nil, err
		}
		var got []map[string]any
		if page != nil {
			got = page.Res
		}
		if len(got) <= len(raw) {
			// The API caps the page below what we asked for.
			di.logger.Warn("records sharing one timestamp exceed the page limit, some may be skipped",
				"collection", coll.Name,
				"mts", end,
				"fetched", len(raw))
			return raw, nil
		}
		raw = got
		if len(got) < limit {
			return raw, nil
		}
	}
}

// prepare normalizes a raw page, drops invalid records and keys already
// seen in this call, and returns the survivors with the oldest valid date.
// oldest defaults to req.end for a page without a valid date.
func (di *DataInserter) prepare(coll model.Collection, raw []map[string]any, req stepRequest, seen map[string]struct{}, res *SyncResult) ([]model.Record, int64) {
	oldest := int64(math.MaxInt64)
	recs := make([]model.Record, 0, len(raw))
	for i, item := range raw {
		rec, verr := Normalize(coll, item, i)
		if verr != nil {
			res.Invalid = append(res.Invalid, *verr)
			continue
		}
		if rec.Mts < oldest {
			oldest = rec.Mts
		}
		if _, dup := seen[rec.Key]; dup {
			res.Duplicates++
			continue
		}
		seen[rec.Key] = struct{}{}
		recs = append(recs, rec)
	}
	if oldest == math.MaxInt64 {
		oldest = req.end
	}
	return recs, oldest
}

// Normalize maps a raw API item onto a Record using the collection's
// field names.
func Normalize(coll model.Collection, raw map[string]any, index int) (model.Record, *ValidationError) {
	invalid := func(key, field, reason string) *ValidationError {
		return &ValidationError{Collection: coll.Name, Key: key, Index: index, Field: field, Reason: reason}
	}

	parts := make([]string, 0, len(coll.KeyFields))
	for _, f := range coll.KeyFields {
		s, ok := keyString(raw[f])
		if !ok {
			return model.Record{}, invalid("", f, "missing key field")
		}
		parts = append(parts, s)
	}
	key := strings.Join(parts, ":")

	mts, ok, err := number(raw[coll.DateField])
	if err != nil || !ok || mts <= 0 {
		return model.Record{}, invalid(key, coll.DateField, "missing or invalid date")
	}

	rec := model.Record{Key: key, Mts: int64(mts), Payload: raw}

	if coll.AmountField != "" {
		amount, _, err := number(raw[coll.AmountField])
		if err != nil {
			return model.Record{}, invalid(key, coll.AmountField, err.Error())
		}
		rec.Amount = amount
	}
	if coll.CurrencyField != "" {
		if s, ok := raw[coll.CurrencyField].(string); ok {
			rec.Currency = s
		}
	}
	if coll.BalanceField != "" {
		if b, ok, err := number(raw[coll.BalanceField]); err == nil && ok {
			rec.Balance = &b
		}
	}
	return rec, nil
}

func keyString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, x != ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case json.Number:
		return x.String(), true
	default:
		return fmt.Sprint(x), true
	}
}

// number reads a numeric value. ok is false when v is absent; err is set
// when v is present but not a number.
func number(v any) (f float64, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		f, err = x.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		err = fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		return 0, true, fmt.Errorf("not a number: %v", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, true, fmt.Errorf("not a finite number: %v", v)
	}
	return f, true, nil
}
