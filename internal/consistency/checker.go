// Package consistency compares what the store holds with what the remote
// API reports for the same window.
//
// Each collection is checked over its last completed curr window
// [CurrStart, CurrEnd]. The expected side comes from the API: a remote
// summary when the API offers one, otherwise a full page walk of the
// window. A mismatch is a finding in the returned results, never an error.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/engine"
	"github.com/roach88/ledgersync/internal/events"
	"github.com/roach88/ledgersync/internal/model"
	"github.com/roach88/ledgersync/internal/remote"
)

// DefaultEpsilon is the absolute tolerance of sum comparisons.
const DefaultEpsilon = 1e-6

// DefaultPageSize is the page limit of the fallback page walk.
const DefaultPageSize = engine.DefaultPageSize

// Outcome states carried by ConsistencyCheckCompleted events.
const (
	StateConsistent = "consistent"
	StateMismatch   = "mismatch"
	StateSkipped    = "skipped"
)

var _ engine.ConsistencyChecker = (*Checker)(nil)

// Checker runs the per-collection comparison rules.
type Checker struct {
	dao      dao.DAO
	api      remote.API
	creds    remote.CredentialSource
	emitter  events.Emitter
	clock    engine.Clock
	epsilon  float64
	pageSize int
	logger   *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithCredentials sets where per-account Auth comes from.
func WithCredentials(creds remote.CredentialSource) Option {
	return func(c *Checker) { c.creds = creds }
}

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(c *Checker) { c.emitter = e }
}

// WithClock sets the clock used for event timestamps.
func WithClock(clock engine.Clock) Option {
	return func(c *Checker) { c.clock = clock }
}

// WithEpsilon sets the tolerance of sum comparisons.
func WithEpsilon(eps float64) Option {
	return func(c *Checker) { c.epsilon = eps }
}

// WithPageSize sets the page limit of the fallback walk.
func WithPageSize(n int) Option {
	return func(c *Checker) { c.pageSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// New creates a checker reading the store through d and the remote side
// through api.
func New(d dao.DAO, api remote.API, opts ...Option) *Checker {
	c := &Checker{
		dao:      d,
		api:      api,
		emitter:  events.Nop,
		clock:    engine.SystemClock{},
		epsilon:  DefaultEpsilon,
		pageSize: DefaultPageSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	if c.epsilon < 0 {
		c.epsilon = DefaultEpsilon
	}
	return c
}

// Check returns one result per (collection, scope). Public collections
// have one shared scope. Private collections are checked per sub-owner,
// or for the master account when subOwners is empty.
//
// The first store or API failure stops the check; results gathered so
// far are returned with it.
func (c *Checker) Check(ctx context.Context, owner string, subOwners []string, colls []model.Collection) ([]model.CheckResult, error) {
	var results []model.CheckResult
	for _, coll := range colls {
		for _, scope := range scopes(coll, owner, subOwners) {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			res, err := c.checkOne(ctx, coll, scope)
			if err != nil {
				return results, fmt.Errorf("check %s (owner=%q sub_owner=%q): %w", coll.Name, scope.OwnerID, scope.SubOwnerID, err)
			}
			c.emit(owner, res)
			results = append(results, res)
		}
	}
	return results, nil
}

func scopes(coll model.Collection, owner string, subOwners []string) []dao.Scope {
	if coll.IsPublic() {
		return []dao.Scope{{}}
	}
	if len(subOwners) == 0 {
		return []dao.Scope{{OwnerID: owner}}
	}
	out := make([]dao.Scope, 0, len(subOwners))
	for _, sub := range subOwners {
		out = append(out, dao.Scope{OwnerID: owner, SubOwnerID: sub})
	}
	return out
}

func (c *Checker) checkOne(ctx context.Context, coll model.Collection, scope dao.Scope) (model.CheckResult, error) {
	res := model.CheckResult{
		Collection:   coll.Name,
		OwnerID:      scope.OwnerID,
		SubOwnerID:   scope.SubOwnerID,
		IsConsistent: true,
	}

	step, err := c.dao.GetSyncUserStep(ctx, coll.Name, scope)
	if err != nil {
		return res, err
	}
	if step == nil || !step.IsCurrStepReady || step.CurrEnd == 0 {
		res.Skipped = true
		res.Detail = "window not ready"
		return res, nil
	}
	w := dao.Window{Start: step.CurrStart, End: step.CurrEnd}
	res.WindowStart, res.WindowEnd = w.Start, w.End

	actual, err := c.dao.Summarize(ctx, coll, scope, w)
	if err != nil {
		return res, err
	}
	res.Actual = actual

	expected, err := c.expected(ctx, coll, scope, w)
	if err != nil {
		return res, err
	}
	res.Expected = expected

	res.IsConsistent, res.Detail = c.compare(coll, expected, actual)
	return res, nil
}

// compare applies the collection's rule. Count is exact for every rule;
// the sum rule also bounds the amount difference by epsilon.
func (c *Checker) compare(coll model.Collection, expected, actual model.Summary) (bool, string) {
	if expected.Count != actual.Count {
		return false, fmt.Sprintf("count: expected %d, got %d", expected.Count, actual.Count)
	}
	if coll.Checker == model.CheckSum {
		if diff := math.Abs(expected.Sum - actual.Sum); diff > c.epsilon {
			return false, fmt.Sprintf("sum(%s): expected %g, got %g", coll.AmountField, expected.Sum, actual.Sum)
		}
	}
	return true, ""
}

func (c *Checker) auth(ctx context.Context, coll model.Collection, scope dao.Scope) (remote.Auth, error) {
	if c.creds == nil || coll.IsPublic() {
		return remote.Auth{}, nil
	}
	a, err := c.creds.Credentials(ctx, scope.OwnerID, scope.SubOwnerID)
	if err != nil {
		return remote.Auth{}, fmt.Errorf("credentials: %w", err)
	}
	return a, nil
}

func (c *Checker) expected(ctx context.Context, coll model.Collection, scope dao.Scope, w dao.Window) (model.Summary, error) {
	auth, err := c.auth(ctx, coll, scope)
	if err != nil {
		return model.Summary{}, err
	}

	if s, ok := c.api.(remote.Summarizer); ok {
		amountField := ""
		if coll.Checker == model.CheckSum {
			amountField = coll.AmountField
		}
		sum, err := s.Summarize(ctx, coll.Method, remote.Args{
			Auth:   auth,
			Params: remote.Params{Start: w.Start, End: w.End},
		}, amountField)
		switch {
		case err == nil:
			return model.Summary{Count: sum.Count, Sum: sum.Sum}, nil
		case !errors.Is(err, remote.ErrNoSummary):
			return model.Summary{}, fmt.Errorf("remote summary: %w", err)
		}
	}
	return c.walk(ctx, coll, auth, w)
}

// walk pages through [w.Start, w.End] newest first and aggregates the
// distinct valid records. The cursor moves the same way the inserter
// moves it, so records sharing the boundary millisecond are seen once.
func (c *Checker) walk(ctx context.Context, coll model.Collection, auth remote.Auth, w dao.Window) (model.Summary, error) {
	var sum model.Summary
	seen := make(map[string]struct{})
	end := w.End
	for pages := 0; ; pages++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		page, err := c.api.Call(ctx, coll.Method, remote.Args{
			Auth:   auth,
			Params: remote.Params{Start: w.Start, End: end, Limit: c.pageSize},
		})
		if err != nil {
			return sum, fmt.Errorf("remote page: %w", err)
		}
		var raw []map[string]any
		if page != nil {
			raw = page.Res
		}

		oldest := end
		for i, item := range raw {
			rec, verr := engine.Normalize(coll, item, i)
			if verr != nil {
				continue
			}
			if rec.Mts < oldest {
				oldest = rec.Mts
			}
			if rec.Mts < w.Start || rec.Mts > w.End {
				continue
			}
			if _, dup := seen[rec.Key]; dup {
				continue
			}
			seen[rec.Key] = struct{}{}
			sum.Count++
			sum.Sum += rec.Amount
		}

		if len(raw) < c.pageSize {
			break
		}
		next := oldest
		if next >= end {
			next = end - 1
		}
		if next < w.Start {
			break
		}
		end = next
		c.logger.Debug("consistency walk", "collection", coll.Name, "page", pages, "end", end)
	}
	return sum, nil
}

func (c *Checker) emit(owner string, r model.CheckResult) {
	state := State(r)
	c.emitter.Emit(events.Event{
		Type:       events.ConsistencyCheckCompleted,
		OwnerID:    owner,
		Collection: r.Collection,
		State:      state,
		Detail:     r.Detail,
		Timestamp:  c.clock.Now(),
	})
	if state == StateMismatch {
		c.logger.Debug("consistency mismatch",
			"collection", r.Collection,
			"owner", r.OwnerID,
			"sub_owner", r.SubOwnerID,
			"detail", r.Detail)
	}
}
