package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"outflow/internal/domain"
)

const jobColumns = `id,queue_id,phone,recipient_id,message,variables,priority,scheduled_at,process_at,next_attempt_at,
attempts,max_attempts,error_count,last_error,status,provider_message_id,worker_name,
started_at,last_attempt_at,completed_at,failed_at,created_at,updated_at`

func scanJob(s scanner) (domain.Job, error) {
	var (
		j                                      domain.Job
		status                                 string
		recipientID, vars, lastErr, provider   sql.NullString
		worker                                 sql.NullString
		scheduled, processAt, created, updated int64
		next, started, lastAttempt, done, fail sql.NullInt64
	)
	err := s.Scan(&j.ID, &j.QueueID, &j.Phone, &recipientID, &j.Message, &vars, &j.Priority, &scheduled, &processAt, &next,
		&j.Attempts, &j.MaxAttempts, &j.ErrorCount, &lastErr, &status, &provider, &worker,
		&started, &lastAttempt, &done, &fail, &created, &updated)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	j.RecipientID = recipientID.String
	j.LastError = lastErr.String
	j.ProviderMessageID = provider.String
	j.WorkerName = worker.String
	j.ScheduledAt = fromNanos(scheduled)
	j.ProcessAt = fromNanos(processAt)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	j.NextAttemptAt = timePtr(next)
	j.StartedAt = timePtr(started)
	j.LastAttemptAt = timePtr(lastAttempt)
	j.CompletedAt = timePtr(done)
	j.FailedAt = timePtr(fail)
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &j.Variables); err != nil {
			return domain.Job{}, fmt.Errorf("job %s variables: %w", j.ID, err)
		}
	}
	return j, nil
}

// InsertJobs writes jobs in one transaction. A phone already present in the
// same queue is skipped; the returned count covers inserted rows only.
func (r *sqlRepo) InsertJobs(ctx context.Context, jobs []domain.Job, now time.Time) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
INSERT INTO jobs (id,queue_id,phone,recipient_id,message,variables,priority,scheduled_at,process_at,
  attempts,max_attempts,error_count,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,0,?,0,'PENDING',?,?)
ON CONFLICT (queue_id, phone) DO NOTHING`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, j := range jobs {
		if j.ID == "" {
			j.ID = "job_" + uuid.NewString()
		}
		if j.ScheduledAt.IsZero() {
			j.ScheduledAt = now
		}
		if j.ProcessAt.IsZero() {
			j.ProcessAt = j.ScheduledAt
		}
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = 3
		}
		var vars sql.NullString
		if len(j.Variables) > 0 {
			b, err := json.Marshal(j.Variables)
			if err != nil {
				return 0, err
			}
			vars = sql.NullString{String: string(b), Valid: true}
		}
		res, err := stmt.ExecContext(ctx, j.ID, j.QueueID, j.Phone, nullString(j.RecipientID), j.Message, vars, j.Priority,
			nanos(j.ScheduledAt), nanos(j.ProcessAt), j.MaxAttempts, nanos(now), nanos(now))
		if err != nil {
			return 0, fmt.Errorf("insert job for %s: %w", j.Phone, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *sqlRepo) CountJobs(ctx context.Context, queueID string) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE queue_id=?`, queueID).Scan(&n)
	return n, err
}

func (r *sqlRepo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(r.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

// ClaimNext atomically moves the best eligible job to PROCESSING and returns it.
// Only jobs of PROCESSING queues are eligible. Returns ErrEmpty when nothing is ready.
func (r *sqlRepo) ClaimNext(ctx context.Context, opts ClaimOptions, now time.Time) (domain.Job, error) {
	ts := nanos(now)
	var (
		where strings.Builder
		args  = []any{ts, ts, opts.Worker, ts}
	)
	where.WriteString(`q.status='PROCESSING'
    AND j.attempts < j.max_attempts
    AND ((j.status='PENDING' AND j.process_at <= ?)
      OR (j.status='RETRYING' AND j.next_attempt_at IS NOT NULL AND j.next_attempt_at <= ?))`)
	args = append(args, ts, ts)
	if opts.TenantID != "" {
		where.WriteString(` AND q.tenant_id = ?`)
		args = append(args, opts.TenantID)
	}
	if opts.QueueID != "" {
		where.WriteString(` AND j.queue_id = ?`)
		args = append(args, opts.QueueID)
	}

	q := `
UPDATE jobs SET status='PROCESSING', attempts=attempts+1,
  started_at=COALESCE(started_at, ?), last_attempt_at=?, worker_name=?, updated_at=?
WHERE id = (
  SELECT j.id FROM jobs j JOIN queues q ON q.id = j.queue_id
  WHERE ` + where.String() + `
  ORDER BY j.priority DESC, j.scheduled_at ASC
  LIMIT 1` + r.d.claimLock + `
)
AND status IN ('PENDING','RETRYING') AND attempts < max_attempts
RETURNING ` + jobColumns

	j, err := scanJob(r.queryRow(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}

	var retryMS int64
	err = r.queryRow(ctx, `SELECT tenant_id, account_id, retry_delay_ms FROM queues WHERE id=?`, j.QueueID).
		Scan(&j.TenantID, &j.AccountID, &retryMS)
	if err != nil {
		return domain.Job{}, fmt.Errorf("claim: load queue %s: %w", j.QueueID, err)
	}
	j.RetryDelay = time.Duration(retryMS) * time.Millisecond
	return j, nil
}

// held runs a PROCESSING-guarded update and maps a miss to ErrNotHeld.
func (r *sqlRepo) held(ctx context.Context, q string, args ...any) error {
	res, err := r.exec(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *sqlRepo) CompleteJob(ctx context.Context, id, providerMessageID string, now time.Time) error {
	return r.held(ctx, `
UPDATE jobs SET status='COMPLETED', provider_message_id=?, completed_at=?, next_attempt_at=NULL, worker_name=NULL, updated_at=?
WHERE id=? AND status='PROCESSING'`, nullString(providerMessageID), nanos(now), nanos(now), id)
}

func (r *sqlRepo) RetryJob(ctx context.Context, id, errStr string, nextAttemptAt, now time.Time) error {
	return r.held(ctx, `
UPDATE jobs SET status='RETRYING', next_attempt_at=?, last_error=?, error_count=error_count+1, worker_name=NULL, updated_at=?
WHERE id=? AND status='PROCESSING'`, nanos(nextAttemptAt), errStr, nanos(now), id)
}

func (r *sqlRepo) FailJob(ctx context.Context, id, errStr string, now time.Time) error {
	return r.held(ctx, `
UPDATE jobs SET status='FAILED', last_error=?, error_count=error_count+1, failed_at=?, next_attempt_at=NULL, worker_name=NULL, updated_at=?
WHERE id=? AND status='PROCESSING'`, errStr, nanos(now), nanos(now), id)
}

// DeferJob returns a claimed job to PENDING until processAt without consuming the attempt.
func (r *sqlRepo) DeferJob(ctx context.Context, id string, processAt, now time.Time) error {
	return r.held(ctx, `
UPDATE jobs SET status='PENDING', process_at=?, next_attempt_at=NULL,
  attempts=CASE WHEN attempts > 0 THEN attempts-1 ELSE 0 END, worker_name=NULL, updated_at=?
WHERE id=? AND status='PROCESSING'`, nanos(processAt), nanos(now), id)
}

// RequeueStale returns PROCESSING jobs without a live owner to PENDING.
// A live owner is a non-OFFLINE worker whose heartbeat is at or after cutoff.
func (r *sqlRepo) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	res, err := r.exec(ctx, `
UPDATE jobs SET status='PENDING', attempts=CASE WHEN attempts > 0 THEN attempts-1 ELSE 0 END,
  worker_name=NULL, updated_at=?
WHERE status='PROCESSING'
  AND COALESCE(last_attempt_at, 0) < ?
  AND (worker_name IS NULL OR worker_name NOT IN (
    SELECT name FROM workers WHERE state <> 'OFFLINE' AND last_heartbeat >= ?))`,
		nanos(now), nanos(cutoff), nanos(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *sqlRepo) CountByStatus(ctx context.Context, queueID string) (map[domain.JobStatus]int, error) {
	rows, err := r.query(ctx, `SELECT status, COUNT(*) FROM jobs WHERE queue_id=? GROUP BY status`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.JobStatus(s)] = n
	}
	return out, rows.Err()
}

func (r *sqlRepo) RecentErrors(ctx context.Context, queueID string, limit int) ([]domain.JobError, error) {
	rows, err := r.query(ctx, `
SELECT id, phone, last_error, attempts, updated_at FROM jobs
WHERE queue_id=? AND last_error IS NOT NULL
ORDER BY updated_at DESC LIMIT ?`, queueID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobError
	for rows.Next() {
		var (
			e  domain.JobError
			at int64
		)
		if err := rows.Scan(&e.JobID, &e.Phone, &e.Error, &e.Attempts, &at); err != nil {
			return nil, err
		}
		e.At = fromNanos(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
