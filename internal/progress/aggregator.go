package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"outflow/internal/domain"
)

const errorSampleSize = 20

type Store interface {
	GetQueue(ctx context.Context, id string) (domain.Queue, error)
	RecountQueue(ctx context.Context, id string, now time.Time) error
	TransitionQueue(ctx context.Context, id string, from []domain.QueueStatus, to domain.QueueStatus, now time.Time) (bool, error)
	RecentErrors(ctx context.Context, queueID string, limit int) ([]domain.JobError, error)
}

// Aggregator keeps queue counters in step with job statuses and closes
// queues whose jobs are all terminal.
type Aggregator struct {
	store Store
	now   func() time.Time
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// TerminalStatus picks the final status of a queue with no open jobs.
func TerminalStatus(total, failed int) domain.QueueStatus {
	if total > 0 && failed == total {
		return domain.QueueFailed
	}
	return domain.QueueCompleted
}

// Refresh recounts the queue and applies the terminal rule.
func (a *Aggregator) Refresh(ctx context.Context, queueID string) (domain.Queue, error) {
	now := a.now()
	if err := a.store.RecountQueue(ctx, queueID, now); err != nil {
		return domain.Queue{}, fmt.Errorf("recount %s: %w", queueID, err)
	}
	q, err := a.store.GetQueue(ctx, queueID)
	if err != nil {
		return domain.Queue{}, err
	}
	if q.Pending > 0 || (q.Status != domain.QueueProcessing && q.Status != domain.QueuePaused) {
		return q, nil
	}

	final := TerminalStatus(q.Total, q.Failed)
	ok, err := a.store.TransitionQueue(ctx, queueID,
		[]domain.QueueStatus{domain.QueueProcessing, domain.QueuePaused}, final, now)
	if err != nil {
		return q, fmt.Errorf("close queue %s: %w", queueID, err)
	}
	if ok {
		log.Info().
			Str("queue_id", queueID).
			Str("status", string(final)).
			Int("total", q.Total).
			Int("sent", q.Sent).
			Int("failed", q.Failed).
			Msg("queue finished")
		return a.store.GetQueue(ctx, queueID)
	}
	return q, nil
}

// Snapshot returns the externally visible progress of a queue.
func (a *Aggregator) Snapshot(ctx context.Context, queueID string) (domain.Progress, error) {
	q, err := a.store.GetQueue(ctx, queueID)
	if err != nil {
		return domain.Progress{}, err
	}
	errs, err := a.store.RecentErrors(ctx, queueID, errorSampleSize)
	if err != nil {
		return domain.Progress{}, fmt.Errorf("recent errors: %w", err)
	}
	return domain.Progress{
		QueueID: q.ID,
		Status:  q.Status,
		Total:   q.Total,
		Sent:    q.Sent,
		Failed:  q.Failed,
		Pending: q.Pending,
		Errors:  errs,
	}, nil
}
