package ratelimit

import "context"

type counterStore interface {
	CounterReserve(ctx context.Context, tenantID, day string, limit int) (bool, error)
}

// StoreCounter keeps counts in the job store's rate_counters table.
type StoreCounter struct {
	s counterStore
}

func NewStoreCounter(s counterStore) *StoreCounter { return &StoreCounter{s: s} }

func (c *StoreCounter) Reserve(ctx context.Context, tenantID, day string, limit int) (bool, error) {
	return c.s.CounterReserve(ctx, tenantID, day, limit)
}
