package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"outflow/internal/domain"
	"outflow/internal/gateway"
	"outflow/internal/metrics"
	"outflow/internal/optout"
	"outflow/internal/queue"
)

// Worker claims and processes one job at a time.
type Worker struct {
	name string
	p    *Pool
	log  zerolog.Logger

	mu     sync.Mutex
	status domain.WorkerStatus
}

func newWorker(p *Pool, name string, now time.Time) *Worker {
	return &Worker{
		name: name,
		p:    p,
		log:  log.With().Str("component", "worker").Str("worker", name).Logger(),
		status: domain.WorkerStatus{
			Name:          name,
			TenantID:      p.opts.TenantID,
			State:         domain.WorkerIdle,
			StartedAt:     now,
			LastHeartbeat: now,
		},
	}
}

func (w *Worker) Name() string { return w.name }

// Status returns a copy of the worker's current counters.
func (w *Worker) Status() domain.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) run(ctx context.Context, stop <-chan struct{}) {
	streak := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		claimed, err := w.step(ctx)
		if err != nil {
			w.fail(err)
		}
		if !claimed {
			streak = 0
			if !w.p.sleep(ctx, stop, w.p.opts.PollInterval, true) {
				return
			}
			continue
		}

		streak++
		if n := w.p.opts.BatchSize; n > 0 && streak >= n && w.p.opts.BatchPause > 0 {
			streak = 0
			if !w.p.sleep(ctx, stop, w.p.opts.BatchPause, false) {
				return
			}
		}
	}
}

// step claims one job and processes it. It reports whether a job was claimed.
func (w *Worker) step(ctx context.Context) (bool, error) {
	job, err := w.p.deps.Store.ClaimNext(ctx, queue.ClaimOptions{Worker: w.name, TenantID: w.p.opts.TenantID}, w.p.now())
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("claim: %w", err)
	}

	w.busy(job)
	w.p.obs.IncBusy()
	defer func() {
		w.p.obs.DecBusy()
		w.idle()
	}()
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job domain.Job) error {
	d := w.p.deps
	logger := w.log.With().Str("job_id", job.ID).Str("queue_id", job.QueueID).Int("attempt", job.Attempts).Logger()
	// Outcomes are written even if ctx was cancelled mid-send.
	wctx := context.WithoutCancel(ctx)

	if d.OptOuts != nil {
		suppressed, err := d.OptOuts.Suppressed(ctx, job.TenantID, job.Phone)
		if err != nil {
			w.release(wctx, job, w.p.opts.AdmissionRetry)
			return fmt.Errorf("opt-out check for job %s: %w", job.ID, err)
		}
		if suppressed {
			reason := optout.Reason(job.Phone)
			if err := d.Store.FailJob(wctx, job.ID, reason, w.p.now()); err != nil {
				return w.notHeld(logger, err)
			}
			logger.Info().Msg("recipient opted out")
			w.p.obs.JobOutcome(metrics.OutcomeSuppressed)
			w.finished(wctx, job, domain.JobFailed, "", reason)
			return nil
		}
	}

	if d.Throttle != nil {
		if err := d.Throttle.Wait(ctx); err != nil {
			w.release(wctx, job, 0)
			return nil
		}
	}
	// The quota slot is taken right before the send so concurrent
	// dispatchers sharing the counter cannot overshoot the cap.
	if d.Limiter != nil {
		ok, err := d.Limiter.Reserve(ctx, job.TenantID, job.AccountID)
		if err != nil {
			w.release(wctx, job, w.p.opts.AdmissionRetry)
			return fmt.Errorf("reserve send for job %s: %w", job.ID, err)
		}
		if !ok {
			logger.Debug().Str("tenant_id", job.TenantID).Msg("daily cap reached, deferring")
			w.release(wctx, job, w.p.opts.DeferralWindow)
			w.p.obs.JobOutcome(metrics.OutcomeDeferred)
			return nil
		}
	}

	start := time.Now()
	providerID, sendErr := d.Gateway.Send(ctx, job.Phone, job.Message)
	w.p.obs.ObserveSend(time.Since(start), sendErr)
	now := w.p.now()

	if sendErr == nil {
		if err := d.Store.CompleteJob(wctx, job.ID, providerID, now); err != nil {
			return w.notHeld(logger, err)
		}
		logger.Debug().Str("provider_message_id", providerID).Msg("sent")
		w.p.obs.JobOutcome(metrics.OutcomeCompleted)
		w.finished(wctx, job, domain.JobCompleted, providerID, "")
		return nil
	}

	errStr := sendErr.Error()
	class := gateway.Classify(sendErr)
	if class == gateway.Permanent || job.Attempts >= job.MaxAttempts {
		if err := d.Store.FailJob(wctx, job.ID, errStr, now); err != nil {
			return w.notHeld(logger, err)
		}
		logger.Warn().Err(sendErr).Str("class", class.String()).Msg("delivery failed")
		w.p.obs.JobOutcome(metrics.OutcomeFailed)
		w.finished(wctx, job, domain.JobFailed, "", errStr)
		return nil
	}

	delay := w.p.opts.Backoff.WithBase(job.RetryDelay).Delay(job.Attempts)
	if err := d.Store.RetryJob(wctx, job.ID, errStr, now.Add(delay), now); err != nil {
		return w.notHeld(logger, err)
	}
	logger.Info().Err(sendErr).Dur("delay", delay).Msg("delivery failed, retry scheduled")
	w.p.obs.JobOutcome(metrics.OutcomeRetrying)
	w.p.refresh(wctx, job.QueueID)
	return nil
}

// release hands a claimed job back without consuming its attempt.
func (w *Worker) release(ctx context.Context, job domain.Job, after time.Duration) {
	now := w.p.now()
	if err := w.p.deps.Store.DeferJob(ctx, job.ID, now.Add(after), now); err != nil && !errors.Is(err, queue.ErrNotHeld) {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to release job")
	}
}

// notHeld logs a lost job and swallows ErrNotHeld; other errors are returned.
func (w *Worker) notHeld(logger zerolog.Logger, err error) error {
	if errors.Is(err, queue.ErrNotHeld) {
		logger.Warn().Msg("job was reclaimed while in flight, outcome dropped")
		return nil
	}
	return fmt.Errorf("update job: %w", err)
}

// finished records a terminal outcome on the worker, events and queue progress.
func (w *Worker) finished(ctx context.Context, job domain.Job, status domain.JobStatus, providerID, errStr string) {
	w.mu.Lock()
	w.status.JobsProcessed++
	if status == domain.JobCompleted {
		w.status.JobsSuccessful++
	} else {
		w.status.JobsFailed++
	}
	w.mu.Unlock()

	rec := domain.DeliveryRecord{
		JobID:             job.ID,
		QueueID:           job.QueueID,
		TenantID:          job.TenantID,
		Phone:             job.Phone,
		ProviderMessageID: providerID,
		Status:            status,
		Attempts:          job.Attempts,
		Error:             errStr,
		At:                w.p.now(),
	}
	if err := w.p.events.Publish(ctx, rec); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to publish delivery record")
	}
	w.p.refresh(ctx, job.QueueID)
}

func (w *Worker) busy(job domain.Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.State = domain.WorkerBusy
	w.status.CurrentQueueID = job.QueueID
	w.status.CurrentJobID = job.ID
}

func (w *Worker) idle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.State == domain.WorkerBusy {
		w.status.State = domain.WorkerIdle
	}
	w.status.CurrentJobID = ""
}

func (w *Worker) fail(err error) {
	w.log.Error().Err(err).Msg("worker error")
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.State = domain.WorkerError
	w.status.ErrorCount++
	w.status.LastError = err.Error()
}

// offline marks the worker stopped.
func (w *Worker) offline() domain.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.State = domain.WorkerOffline
	w.status.CurrentJobID = ""
	w.status.CurrentQueueID = ""
	return w.status
}
