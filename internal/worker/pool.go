package worker

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"outflow/internal/backoff"
	"outflow/internal/domain"
	"outflow/internal/events"
	"outflow/internal/gateway"
	"outflow/internal/metrics"
	"outflow/internal/queue"
)

type Store interface {
	ClaimNext(ctx context.Context, opts queue.ClaimOptions, now time.Time) (domain.Job, error)
	CompleteJob(ctx context.Context, id, providerMessageID string, now time.Time) error
	RetryJob(ctx context.Context, id, errStr string, nextAttemptAt, now time.Time) error
	FailJob(ctx context.Context, id, errStr string, now time.Time) error
	DeferJob(ctx context.Context, id string, processAt, now time.Time) error
	UpsertWorker(ctx context.Context, w domain.WorkerStatus) error
}

// Admission takes a slot from the tenant's daily quota, or reports false when
// the quota is used up.
type Admission interface {
	Reserve(ctx context.Context, tenantID, accountID string) (bool, error)
}

type Suppression interface {
	Suppressed(ctx context.Context, tenantID, phone string) (bool, error)
}

type Progress interface {
	Refresh(ctx context.Context, queueID string) (domain.Queue, error)
}

// Deps are the collaborators shared by a pool's workers. Store and Gateway are
// required; the rest are optional.
type Deps struct {
	Store    Store
	Gateway  gateway.Gateway
	Limiter  Admission
	OptOuts  Suppression
	Progress Progress
	Events   events.Publisher
	Observer metrics.DeliveryObserver
	Throttle *rate.Limiter
}

type Options struct {
	Workers           int
	TenantID          string // empty serves every tenant
	Name              string // worker name prefix, unique per process
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	DeferralWindow    time.Duration
	AdmissionRetry    time.Duration
	BatchSize         int
	BatchPause        time.Duration
	Backoff           backoff.Policy
	Clock             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Name == "" {
		o.Name = "wrk_" + uuid.NewString()[:8]
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.DeferralWindow <= 0 {
		o.DeferralWindow = time.Hour
	}
	if o.AdmissionRetry <= 0 {
		o.AdmissionRetry = 30 * time.Second
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = backoff.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Pool runs a fixed set of workers against the job store.
type Pool struct {
	deps   Deps
	opts   Options
	events events.Publisher
	obs    metrics.DeliveryObserver

	mu        sync.Mutex
	workers   []*Worker
	stopCh    chan struct{}
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	wake      chan struct{}
}

func NewPool(deps Deps, opts Options) *Pool {
	p := &Pool{deps: deps, opts: opts.withDefaults(), events: deps.Events, obs: deps.Observer, wake: make(chan struct{})}
	if p.events == nil {
		p.events = events.Nop{}
	}
	if p.obs == nil {
		p.obs = metrics.Nop{}
	}
	return p
}

func (p *Pool) now() time.Time { return p.opts.Clock() }

// Start launches the workers and the heartbeat. A running pool is left as is.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return nil
	}
	if p.deps.Store == nil || p.deps.Gateway == nil {
		return fmt.Errorf("worker pool needs a store and a gateway")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.runCancel = cancel
	p.stopCh = make(chan struct{})
	stop := p.stopCh

	now := p.now()
	p.workers = make([]*Worker, p.opts.Workers)
	for i := range p.workers {
		p.workers[i] = newWorker(p, fmt.Sprintf("%s-%d", p.opts.Name, i), now)
	}
	p.flushWorkers(runCtx, p.workers)

	p.wg.Add(len(p.workers))
	for _, w := range p.workers {
		go func(w *Worker) {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("worker", w.name).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("panic in worker")
					w.fail(fmt.Errorf("panic: %v", r))
				}
			}()
			w.run(runCtx, stop)
		}(w)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.heartbeat(runCtx, stop)
	}()

	log.Info().
		Int("workers", p.opts.Workers).
		Str("tenant_id", p.opts.TenantID).
		Dur("poll", p.opts.PollInterval).
		Msg("worker pool started")
	return nil
}

// Stop ends claiming, waits for in-flight jobs until ctx expires, then cancels
// them and marks every worker OFFLINE.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	stop, cancel, workers := p.stopCh, p.runCancel, p.workers
	p.stopCh, p.runCancel = nil, nil
	p.mu.Unlock()

	start := time.Now()
	close(stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("stop deadline reached, cancelling in-flight jobs")
		cancel()
		<-done
	}
	cancel()

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer wcancel()
	now := p.now()
	for _, w := range workers {
		st := w.offline()
		st.LastHeartbeat = now
		if err := p.deps.Store.UpsertWorker(wctx, st); err != nil {
			log.Error().Err(err).Str("worker", w.name).Msg("failed to mark worker offline")
		}
	}
	log.Info().Dur("took", time.Since(start)).Msg("worker pool stopped")
}

// Wake interrupts idle workers' poll sleep. It is only a latency hint.
func (p *Pool) Wake() {
	p.mu.Lock()
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) wakeCh() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wake
}

// Workers returns the current status of every worker.
func (p *Pool) Workers() []domain.WorkerStatus {
	p.mu.Lock()
	ws := p.workers
	p.mu.Unlock()
	out := make([]domain.WorkerStatus, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Status())
	}
	return out
}

// sleep waits d. It reports false when the worker should exit.
func (p *Pool) sleep(ctx context.Context, stop <-chan struct{}, d time.Duration, wakeable bool) bool {
	var wake <-chan struct{}
	if wakeable {
		wake = p.wakeCh()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-wake:
		return true
	case <-t.C:
		return true
	}
}

func (p *Pool) heartbeat(ctx context.Context, stop <-chan struct{}) {
	t := time.NewTicker(p.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			p.flush(ctx)
		}
	}
}

func (p *Pool) flush(ctx context.Context) {
	p.mu.Lock()
	ws := p.workers
	p.mu.Unlock()
	p.flushWorkers(ctx, ws)
}

// flushWorkers writes each worker's counters and a runtime sample to the store.
func (p *Pool) flushWorkers(ctx context.Context, ws []*Worker) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	goroutines := runtime.NumGoroutine()
	now := p.now()

	for _, w := range ws {
		w.mu.Lock()
		w.status.LastHeartbeat = now
		w.status.HeapBytes = ms.HeapAlloc
		w.status.Goroutines = goroutines
		st := w.status
		w.mu.Unlock()
		if err := p.deps.Store.UpsertWorker(ctx, st); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker", w.name).Msg("heartbeat failed")
		}
	}
}

func (p *Pool) refresh(ctx context.Context, queueID string) {
	if p.deps.Progress == nil {
		return
	}
	if _, err := p.deps.Progress.Refresh(ctx, queueID); err != nil {
		log.Error().Err(err).Str("queue_id", queueID).Msg("progress refresh failed")
	}
}
