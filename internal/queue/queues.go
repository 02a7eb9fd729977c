package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"outflow/internal/domain"
)

const queueColumns = `id,tenant_id,account_id,name,batch_size,max_retries,retry_delay_ms,priority,audience_filter,template,variables,
total,sent,failed,pending,status,scheduled_at,created_at,started_at,completed_at,resolved_at,updated_at`

func (r *sqlRepo) CreateQueue(ctx context.Context, q domain.Queue) (string, error) {
	id := q.ID
	if id == "" {
		id = "que_" + uuid.NewString()
	}
	if q.Status == "" {
		q.Status = domain.QueueDraft
	}
	if q.BatchSize <= 0 {
		q.BatchSize = 500
	}
	if q.MaxRetries < 0 {
		q.MaxRetries = 0
	}
	now := q.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	var filter, vars sql.NullString
	if q.Filter != nil {
		b, err := json.Marshal(q.Filter)
		if err != nil {
			return "", err
		}
		filter = sql.NullString{String: string(b), Valid: true}
	}
	if len(q.Variables) > 0 {
		b, err := json.Marshal(q.Variables)
		if err != nil {
			return "", err
		}
		vars = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.exec(ctx, `
INSERT INTO queues (id,tenant_id,account_id,name,batch_size,max_retries,retry_delay_ms,priority,audience_filter,template,variables,
  total,sent,failed,pending,status,scheduled_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,0,0,0,0,?,?,?,?)`,
		id, q.TenantID, q.AccountID, q.Name, q.BatchSize, q.MaxRetries, q.RetryDelay.Milliseconds(), q.Priority,
		filter, q.Template, vars, string(q.Status), nullNanos(q.ScheduledAt), nanos(now), nanos(now))
	return id, err
}

func scanQueue(s scanner) (domain.Queue, error) {
	var (
		q                                       domain.Queue
		status                                  string
		retryMS, created, updated               int64
		filter, vars                            sql.NullString
		scheduled, started, completed, resolved sql.NullInt64
	)
	err := s.Scan(&q.ID, &q.TenantID, &q.AccountID, &q.Name, &q.BatchSize, &q.MaxRetries, &retryMS, &q.Priority,
		&filter, &q.Template, &vars, &q.Total, &q.Sent, &q.Failed, &q.Pending, &status,
		&scheduled, &created, &started, &completed, &resolved, &updated)
	if err != nil {
		return domain.Queue{}, err
	}
	q.Status = domain.QueueStatus(status)
	q.RetryDelay = time.Duration(retryMS) * time.Millisecond
	q.CreatedAt = fromNanos(created)
	q.UpdatedAt = fromNanos(updated)
	q.ScheduledAt = timePtr(scheduled)
	q.StartedAt = timePtr(started)
	q.CompletedAt = timePtr(completed)
	q.ResolvedAt = timePtr(resolved)
	if filter.Valid && filter.String != "" {
		var f domain.Filter
		if err := json.Unmarshal([]byte(filter.String), &f); err != nil {
			return domain.Queue{}, err
		}
		q.Filter = &f
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &q.Variables); err != nil {
			return domain.Queue{}, err
		}
	}
	return q, nil
}

func (r *sqlRepo) GetQueue(ctx context.Context, id string) (domain.Queue, error) {
	q, err := scanQueue(r.queryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Queue{}, ErrNotFound
	}
	return q, err
}

func (r *sqlRepo) listQueues(ctx context.Context, q string, args ...any) ([]domain.Queue, error) {
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Queue
	for rows.Next() {
		qu, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qu)
	}
	return out, rows.Err()
}

func (r *sqlRepo) ListQueues(ctx context.Context, status domain.QueueStatus, limit int) ([]domain.Queue, error) {
	if status == "" {
		return r.listQueues(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return r.listQueues(ctx, `SELECT `+queueColumns+` FROM queues WHERE status=? ORDER BY created_at DESC LIMIT ?`, string(status), limit)
}

func (r *sqlRepo) DueScheduledQueues(ctx context.Context, now time.Time) ([]domain.Queue, error) {
	return r.listQueues(ctx, `SELECT `+queueColumns+` FROM queues
WHERE status='SCHEDULED' AND scheduled_at IS NOT NULL AND scheduled_at <= ?
ORDER BY priority DESC, scheduled_at ASC`, nanos(now))
}

// TransitionQueue moves a queue to `to` only if its current status is one of `from`.
// It reports whether the row changed.
func (r *sqlRepo) TransitionQueue(ctx context.Context, id string, from []domain.QueueStatus, to domain.QueueStatus, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to)}
	set := `status=?, updated_at=?`
	args = append(args, nanos(now))
	switch {
	case to == domain.QueueProcessing:
		set += `, started_at=COALESCE(started_at, ?)`
		args = append(args, nanos(now))
	case to.Terminal():
		set += `, completed_at=?`
		args = append(args, nanos(now))
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := r.exec(ctx, `UPDATE queues SET `+set+` WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkResolved records that the queue's audience is fully materialized as
// total jobs and resets its counters to match.
func (r *sqlRepo) MarkResolved(ctx context.Context, id string, total int, now time.Time) error {
	_, err := r.exec(ctx, `
UPDATE queues SET total=?, sent=0, failed=0, pending=?, resolved_at=?, updated_at=?
WHERE id=?`, total, total, nanos(now), nanos(now), id)
	return err
}

// RecountQueue recomputes the queue's counters from its jobs in one statement.
func (r *sqlRepo) RecountQueue(ctx context.Context, id string, now time.Time) error {
	_, err := r.exec(ctx, `
UPDATE queues SET
  sent=(SELECT COUNT(*) FROM jobs WHERE queue_id=? AND status='COMPLETED'),
  failed=(SELECT COUNT(*) FROM jobs WHERE queue_id=? AND status='FAILED'),
  pending=(SELECT COUNT(*) FROM jobs WHERE queue_id=? AND status IN ('PENDING','PROCESSING','RETRYING')),
  total=(SELECT COUNT(*) FROM jobs WHERE queue_id=?),
  updated_at=?
WHERE id=?`, id, id, id, id, nanos(now), id)
	return err
}
