package engine

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/model"
)

// HookContext is what a hook sees of the page being synced.
type HookContext struct {
	Collection model.Collection
	Scope      dao.Scope

	// Reader reads already committed rows. Hooks run outside the page
	// transaction and must not write.
	Reader dao.Tx
}

// Hook transforms a page of records before it is persisted. Hooks run in
// registration order; an error aborts the page.
type Hook interface {
	Name() string
	Apply(ctx context.Context, hc HookContext, recs []model.Record) error
}

// runHooks applies hooks in order and wraps the first failure with the
// hook's name.
func runHooks(ctx context.Context, hooks []Hook, hc HookContext, recs []model.Record) error {
	for _, h := range hooks {
		if err := h.Apply(ctx, hc, recs); err != nil {
			return fmt.Errorf("hook %s: %w", h.Name(), err)
		}
	}
	return nil
}

// CurrencyConverter converts an amount into USD at a point in time.
// ok is false when no rate is known.
type CurrencyConverter interface {
	ToUSD(ctx context.Context, currency string, amount float64, at int64) (usd float64, ok bool, err error)
}

// CandleConverter converts through the stored close price of the
// t<CCY>USD candle at or before the record date.
type CandleConverter struct {
	Reader dao.Tx
}

// ToUSD implements CurrencyConverter.
func (c *CandleConverter) ToUSD(ctx context.Context, currency string, amount float64, at int64) (float64, bool, error) {
	if currency == "USD" {
		return amount, true, nil
	}
	price, ok, err := c.Reader.LatestClose(ctx, "t"+currency+"USD", at)
	if err != nil || !ok {
		return 0, false, err
	}
	return amount * price, true, nil
}

var upper = cases.Upper(language.Und)

// normalizeCurrency folds a currency code into its canonical form:
// compatibility-normalized, trimmed and upper-cased ("ｕｓｄ " -> "USD").
func normalizeCurrency(ccy string) string {
	return upper.String(strings.TrimSpace(norm.NFKC.String(ccy)))
}

// CurrencyConversionHook canonicalizes currency codes and fills AmountUSD.
// Records without a currency are left alone.
type CurrencyConversionHook struct {
	Converter CurrencyConverter
}

// Name implements Hook.
func (h *CurrencyConversionHook) Name() string { return "currency-conversion" }

// Apply implements Hook.
func (h *CurrencyConversionHook) Apply(ctx context.Context, _ HookContext, recs []model.Record) error {
	for i := range recs {
		r := &recs[i]
		if r.Currency == "" {
			continue
		}
		r.Currency = normalizeCurrency(r.Currency)
		if h.Converter == nil {
			continue
		}
		usd, ok, err := h.Converter.ToUSD(ctx, r.Currency, r.Amount, r.Mts)
		if err != nil {
			return fmt.Errorf("convert %s %s: %w", r.Key, r.Currency, err)
		}
		if ok {
			r.AmountUSD = &usd
		}
	}
	return nil
}

// Finalizer runs once per SyncCollection call, after the last page,
// in one transaction over the stored rows. from is the oldest date
// written by the call.
type Finalizer interface {
	Name() string
	Finalize(ctx context.Context, hc HookContext, tx dao.Tx, from int64) error
}

// LedgerBalanceHook recomputes Balance for sub-account ledgers, which the
// exchange reports against the master account.
//
// Balances are a running sum per currency in date order, so they are only
// computed once the rows of the call are stored: pages arrive newest
// first, and a page cannot know the amounts of the older pages behind it.
// Every row at or after from is recomputed on top of the last balance
// before from.
type LedgerBalanceHook struct{}

var _ Finalizer = LedgerBalanceHook{}

// Name implements Finalizer.
func (LedgerBalanceHook) Name() string { return "ledger-balance" }

// Finalize implements Finalizer.
func (LedgerBalanceHook) Finalize(ctx context.Context, hc HookContext, tx dao.Tx, from int64) error {
	if hc.Collection.BalanceField == "" || hc.Scope.SubOwnerID == "" {
		return nil
	}
	rows, err := tx.RecordsFrom(ctx, hc.Collection, hc.Scope, from)
	if err != nil {
		return err
	}

	running := make(map[string]float64)
	for _, r := range rows {
		if r.Currency == "" {
			continue
		}
		bal, seen := running[r.Currency]
		if !seen {
			last, _, err := tx.LastBalance(ctx, hc.Collection, hc.Scope, r.Currency, from)
			if err != nil {
				return err
			}
			bal = last
		}
		bal += r.Amount
		running[r.Currency] = bal
		if r.Balance != nil && *r.Balance == bal {
			continue
		}
		if err := tx.SetBalance(ctx, hc.Collection, hc.Scope, r.Key, bal); err != nil {
			return err
		}
	}
	return nil
}
