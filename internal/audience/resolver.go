package audience

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"outflow/internal/domain"
	"outflow/internal/phone"
	"outflow/internal/render"
)

const DefaultBatchSize = 500

type Store interface {
	CountJobs(ctx context.Context, queueID string) (int, error)
	InsertJobs(ctx context.Context, jobs []domain.Job, now time.Time) (int, error)
	FindCustomers(ctx context.Context, tenantID string, f domain.Filter, now time.Time) ([]domain.Customer, error)
	MarkResolved(ctx context.Context, id string, total int, now time.Time) error
}

type Suppressor interface {
	Snapshot(ctx context.Context, tenantID string) (map[string]bool, error)
}

// Result summarizes one resolution.
type Result struct {
	Queued     int
	Invalid    int
	Duplicates int
	Suppressed int
	Existing   bool
}

type Resolver struct {
	store   Store
	optouts Suppressor
	region  string
	now     func() time.Time
}

// NewResolver builds a resolver. region is the default region for phones
// written without a country prefix.
func NewResolver(store Store, optouts Suppressor, region string) *Resolver {
	return &Resolver{store: store, optouts: optouts, region: region, now: time.Now}
}

func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve materializes the queue's jobs from its filter and the explicit list.
// A queue already marked resolved is left untouched. A resolution that failed
// part way can be run again: jobs inserted earlier are kept and only the
// missing recipients are added.
func (r *Resolver) Resolve(ctx context.Context, q domain.Queue, explicit []domain.Recipient) (Result, error) {
	if q.ResolvedAt != nil {
		n, err := r.store.CountJobs(ctx, q.ID)
		if err != nil {
			return Result{}, fmt.Errorf("count jobs: %w", err)
		}
		return Result{Queued: n, Existing: true}, nil
	}

	now := r.now()
	candidates, err := r.candidates(ctx, q, explicit, now)
	if err != nil {
		return Result{}, err
	}
	suppressed, err := r.optouts.Snapshot(ctx, q.TenantID)
	if err != nil {
		return Result{}, err
	}

	scheduled := now
	if q.ScheduledAt != nil && q.ScheduledAt.After(now) {
		scheduled = *q.ScheduledAt
	}

	var (
		res  Result
		seen = make(map[string]bool, len(candidates))
		jobs = make([]domain.Job, 0, len(candidates))
	)
	for _, c := range candidates {
		p, err := phone.Normalize(c.Phone, r.region)
		if err != nil {
			res.Invalid++
			continue
		}
		if seen[p] {
			res.Duplicates++
			continue
		}
		seen[p] = true
		if suppressed[p] {
			res.Suppressed++
			continue
		}
		vars := render.Merge(q.Variables, c.Variables)
		vars["phone"] = p
		msg := c.Message
		if msg == "" {
			msg = render.Template(q.Template, vars)
		}
		if strings.TrimSpace(msg) == "" {
			res.Invalid++
			continue
		}
		jobs = append(jobs, domain.Job{
			QueueID:     q.ID,
			Phone:       p,
			RecipientID: c.RecipientID,
			Message:     msg,
			Variables:   vars,
			Priority:    q.Priority,
			ScheduledAt: scheduled,
			ProcessAt:   scheduled,
			MaxAttempts: q.MaxAttempts(),
		})
	}

	size := q.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	for start := 0; start < len(jobs); start += size {
		end := min(start+size, len(jobs))
		if _, err := r.store.InsertJobs(ctx, jobs[start:end], now); err != nil {
			return res, fmt.Errorf("insert jobs %d-%d: %w", start, end, err)
		}
	}

	total, err := r.store.CountJobs(ctx, q.ID)
	if err != nil {
		return res, fmt.Errorf("count jobs: %w", err)
	}
	if err := r.store.MarkResolved(ctx, q.ID, total, now); err != nil {
		return res, fmt.Errorf("mark resolved: %w", err)
	}
	res.Queued = total

	log.Info().
		Str("queue_id", q.ID).
		Int("queued", res.Queued).
		Int("invalid", res.Invalid).
		Int("duplicates", res.Duplicates).
		Int("suppressed", res.Suppressed).
		Msg("audience resolved")
	return res, nil
}

// candidates merges directory matches with the explicit list. Explicit entries
// come last so their variables win over directory fields for the same phone.
func (r *Resolver) candidates(ctx context.Context, q domain.Queue, explicit []domain.Recipient, now time.Time) ([]domain.Recipient, error) {
	var out []domain.Recipient
	if q.Filter != nil {
		customers, err := r.store.FindCustomers(ctx, q.TenantID, *q.Filter, now)
		if err != nil {
			return nil, fmt.Errorf("find customers: %w", err)
		}
		for _, c := range customers {
			out = append(out, fromCustomer(c))
		}
	}
	if len(explicit) == 0 {
		return out, nil
	}
	byPhone := make(map[string]int, len(out))
	for i, c := range out {
		if p, err := phone.Normalize(c.Phone, r.region); err == nil {
			byPhone[p] = i
		}
	}
	for _, e := range explicit {
		p, err := phone.Normalize(e.Phone, r.region)
		if i, ok := byPhone[p]; err == nil && ok {
			merged := out[i]
			merged.Variables = render.Merge(merged.Variables, e.Variables)
			if e.Message != "" {
				merged.Message = e.Message
			}
			if e.RecipientID != "" {
				merged.RecipientID = e.RecipientID
			}
			out[i] = merged
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func fromCustomer(c domain.Customer) domain.Recipient {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	return domain.Recipient{
		RecipientID: c.ID,
		Phone:       c.Phone,
		Variables: map[string]string{
			"first_name": c.FirstName,
			"last_name":  c.LastName,
			"name":       name,
			"points":     strconv.Itoa(c.Points),
		},
	}
}
