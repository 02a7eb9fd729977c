package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"outflow/internal/metrics"
)

type ReapStore interface {
	MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) (int, error)
	RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error)
}

// Reaper returns jobs held by workers that stopped heartbeating.
type Reaper struct {
	store      ReapStore
	staleAfter time.Duration
	obs        metrics.DeliveryObserver
	now        func() time.Time
	onRequeue  func()
}

func NewReaper(store ReapStore, staleAfter time.Duration, obs metrics.DeliveryObserver) *Reaper {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if obs == nil {
		obs = metrics.Nop{}
	}
	return &Reaper{store: store, staleAfter: staleAfter, obs: obs, now: time.Now}
}

func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// OnRequeue registers a hook called after a sweep returned jobs, e.g. Pool.Wake.
func (r *Reaper) OnRequeue(fn func()) *Reaper {
	r.onRequeue = fn
	return r
}

// Sweep marks stale workers OFFLINE and requeues their jobs.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	cutoff := now.Add(-r.staleAfter)
	offline, err := r.store.MarkStaleWorkersOffline(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark stale workers: %w", err)
	}
	n, err := r.store.RequeueStale(ctx, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	r.obs.Reaped(n)
	if offline > 0 || n > 0 {
		log.Warn().Int("workers_offline", offline).Int("jobs_requeued", n).Msg("reaped stale workers")
	}
	if n > 0 && r.onRequeue != nil {
		r.onRequeue()
	}
	return n, nil
}
