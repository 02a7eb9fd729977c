package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

const DayLayout = "2006-01-02"

// Counter stores per-tenant daily send counts.
type Counter interface {
	// Reserve adds one to the day's count unless the count already reached
	// limit, in one atomic step. A limit of zero or less always reserves.
	Reserve(ctx context.Context, tenantID, day string, limit int) (bool, error)
}

// CapSource resolves a delivery account's daily cap. Zero means unset.
type CapSource interface {
	AccountCap(ctx context.Context, accountID string) (int, error)
}

// Limiter enforces the daily cap of a tenant's delivery account.
type Limiter struct {
	counter    Counter
	caps       CapSource
	defaultCap int
	now        func() time.Time
}

func New(counter Counter, caps CapSource, defaultCap int) *Limiter {
	return &Limiter{counter: counter, caps: caps, defaultCap: defaultCap, now: time.Now}
}

// WithClock replaces the clock used to pick the counter day.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Day returns the counter key for t, a UTC calendar day.
func Day(t time.Time) string { return t.UTC().Format(DayLayout) }

// Reserve takes one send from the tenant's quota for today. It reports false,
// leaving the count untouched, when the account's daily cap is used up.
// A cap of zero or less disables the limit but the send is still counted.
func (l *Limiter) Reserve(ctx context.Context, tenantID, accountID string) (bool, error) {
	limit := l.defaultCap
	if l.caps != nil {
		c, err := l.caps.AccountCap(ctx, accountID)
		if err != nil {
			return false, fmt.Errorf("account cap: %w", err)
		}
		if c > 0 {
			limit = c
		}
	}
	ok, err := l.counter.Reserve(ctx, tenantID, Day(l.now()), limit)
	if err != nil {
		return false, fmt.Errorf("rate counter: %w", err)
	}
	return ok, nil
}

// NewThrottle caps gateway sends per second. perSecond <= 0 disables it.
func NewThrottle(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
