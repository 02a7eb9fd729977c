package queue

import (
	"context"
	"database/sql"
	"time"

	"outflow/internal/domain"
)

func (r *sqlRepo) UpsertWorker(ctx context.Context, w domain.WorkerStatus) error {
	if w.State == "" {
		w.State = domain.WorkerIdle
	}
	_, err := r.exec(ctx, `
INSERT INTO workers (name,tenant_id,state,current_queue_id,current_job_id,last_heartbeat,started_at,
  jobs_processed,jobs_successful,jobs_failed,error_count,last_error,heap_bytes,goroutines)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (name) DO UPDATE SET
  tenant_id=excluded.tenant_id, state=excluded.state,
  current_queue_id=excluded.current_queue_id, current_job_id=excluded.current_job_id,
  last_heartbeat=excluded.last_heartbeat,
  jobs_processed=excluded.jobs_processed, jobs_successful=excluded.jobs_successful,
  jobs_failed=excluded.jobs_failed, error_count=excluded.error_count, last_error=excluded.last_error,
  heap_bytes=excluded.heap_bytes, goroutines=excluded.goroutines`,
		w.Name, w.TenantID, string(w.State), nullString(w.CurrentQueueID), nullString(w.CurrentJobID),
		nanos(w.LastHeartbeat), nanos(w.StartedAt), w.JobsProcessed, w.JobsSuccessful, w.JobsFailed,
		w.ErrorCount, nullString(w.LastError), int64(w.HeapBytes), w.Goroutines)
	return err
}

func (r *sqlRepo) ListWorkers(ctx context.Context) ([]domain.WorkerStatus, error) {
	rows, err := r.query(ctx, `
SELECT name,tenant_id,state,current_queue_id,current_job_id,last_heartbeat,started_at,
  jobs_processed,jobs_successful,jobs_failed,error_count,last_error,heap_bytes,goroutines
FROM workers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WorkerStatus
	for rows.Next() {
		var (
			w                         domain.WorkerStatus
			state                     string
			queueID, jobID, lastError sql.NullString
			heartbeat, started, heap  int64
		)
		if err := rows.Scan(&w.Name, &w.TenantID, &state, &queueID, &jobID, &heartbeat, &started,
			&w.JobsProcessed, &w.JobsSuccessful, &w.JobsFailed, &w.ErrorCount, &lastError, &heap, &w.Goroutines); err != nil {
			return nil, err
		}
		w.State = domain.WorkerState(state)
		w.CurrentQueueID = queueID.String
		w.CurrentJobID = jobID.String
		w.LastError = lastError.String
		w.LastHeartbeat = fromNanos(heartbeat)
		w.StartedAt = fromNanos(started)
		w.HeapBytes = uint64(heap)
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkStaleWorkersOffline flags workers whose heartbeat is older than cutoff.
func (r *sqlRepo) MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.exec(ctx, `
UPDATE workers SET state='OFFLINE', current_job_id=NULL
WHERE state <> 'OFFLINE' AND last_heartbeat < ?`, nanos(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
