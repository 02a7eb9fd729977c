package optout

import (
	"context"
	"fmt"
)

type store interface {
	IsOptedOut(ctx context.Context, tenantID, phone string) (bool, error)
	OptedOutPhones(ctx context.Context, tenantID string) (map[string]bool, error)
}

// Registry answers suppression checks. It never writes.
type Registry struct {
	s store
}

func NewRegistry(s store) *Registry { return &Registry{s: s} }

// Suppressed reports whether phone must not be contacted for tenantID.
func (r *Registry) Suppressed(ctx context.Context, tenantID, phone string) (bool, error) {
	ok, err := r.s.IsOptedOut(ctx, tenantID, phone)
	if err != nil {
		return false, fmt.Errorf("opt-out lookup: %w", err)
	}
	return ok, nil
}

// Snapshot returns the tenant's suppressed phones, for bulk filtering.
func (r *Registry) Snapshot(ctx context.Context, tenantID string) (map[string]bool, error) {
	m, err := r.s.OptedOutPhones(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("opt-out snapshot: %w", err)
	}
	return m, nil
}

// Reason is recorded as the job error for suppressed sends.
func Reason(phone string) string { return "opted_out: " + phone }
