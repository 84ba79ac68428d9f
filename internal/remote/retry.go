package remote

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy bounds the retries of one page fetch.
type RetryPolicy struct {
	Attempts    int           // total attempts, including the first
	BackoffMin  time.Duration // delay before the first retry (before jitter)
	BackoffMax  time.Duration
	PageTimeout time.Duration // per attempt; 0 disables
}

// DefaultRetryPolicy returns the defaults used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    5,
		BackoffMin:  500 * time.Millisecond,
		BackoffMax:  10 * time.Second,
		PageTimeout: 30 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// min * 2^attempt capped at max, with 50% jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	back := p.BackoffMin << attempt
	if back > p.BackoffMax || back <= 0 {
		back = p.BackoffMax
	}
	if back <= 1 {
		return back
	}
	j := time.Duration(rand.Int63n(int64(back) / 2))
	return back/2 + j
}

// Retrying wraps an API with per-attempt timeouts and retry on transient
// failures.
type Retrying struct {
	API    API
	Policy RetryPolicy
	Logger *slog.Logger

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps api with policy.
func NewRetrying(api API, policy RetryPolicy) *Retrying {
	return &Retrying{API: api, Policy: policy}
}

// Call implements API.
func (r *Retrying) Call(ctx context.Context, method string, args Args) (*Page, error) {
	var page *Page
	err := r.do(ctx, method, func(ctx context.Context) error {
		p, err := r.API.Call(ctx, method, args)
		page = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Summarize retries a remote summary the same way as a page fetch.
func (r *Retrying) Summarize(ctx context.Context, method string, args Args, amountField string) (*Summary, error) {
	s, ok := r.API.(Summarizer)
	if !ok {
		return nil, ErrNoSummary
	}
	var sum *Summary
	err := r.do(ctx, method, func(ctx context.Context) error {
		out, err := s.Summarize(ctx, method, args, amountField)
		sum = out
		return err
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

func (r *Retrying) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	attempts := r.Policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := r.once(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		d := r.Policy.Backoff(attempt)
		logger.Warn("transient api error, retrying",
			"method", method,
			"attempt", attempt+1,
			"backoff", d,
			"error", err,
		)
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", method, attempts, lastErr)
}

func (r *Retrying) once(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.Policy.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Policy.PageTimeout)
		defer cancel()
	}
	return Classify(fn(ctx))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
