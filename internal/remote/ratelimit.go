package remote

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is a request budget: Burst calls, refilled one per Every.
type Limit struct {
	Every time.Duration
	Burst int
}

func (l Limit) limiter() *rate.Limiter {
	if l.Every <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := l.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(l.Every), burst)
}

// RateLimited enforces per-method request rates in front of an API.
// Methods without an explicit limit share the default limit.
type RateLimited struct {
	api      API
	limits   map[string]Limit
	fallback Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ API = (*RateLimited)(nil)

// NewRateLimited wraps api.
func NewRateLimited(api API, limits map[string]Limit, fallback Limit) *RateLimited {
	return &RateLimited{
		api:      api,
		limits:   limits,
		fallback: fallback,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Call waits for the method's budget, then forwards.
func (r *RateLimited) Call(ctx context.Context, method string, args Args) (*Page, error) {
	if err := r.limiterFor(method).Wait(ctx); err != nil {
		return nil, err
	}
	return r.api.Call(ctx, method, args)
}

// Summarize forwards to the wrapped API when it supports summaries.
func (r *RateLimited) Summarize(ctx context.Context, method string, args Args, amountField string) (*Summary, error) {
	s, ok := r.api.(Summarizer)
	if !ok {
		return nil, ErrNoSummary
	}
	if err := r.limiterFor(method).Wait(ctx); err != nil {
		return nil, err
	}
	return s.Summarize(ctx, method, args, amountField)
}

func (r *RateLimited) limiterFor(method string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[method]; ok {
		return l
	}
	lim, ok := r.limits[method]
	if !ok {
		lim = r.fallback
	}
	l := lim.limiter()
	r.limiters[method] = l
	return l
}
