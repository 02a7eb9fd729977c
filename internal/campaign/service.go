package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"outflow/internal/audience"
	"outflow/internal/domain"
	"outflow/internal/queue"
)

var (
	// ErrInvalidState is returned when a queue's status does not allow the operation.
	ErrInvalidState = errors.New("invalid queue state")
	// ErrInvalid marks a rejected request.
	ErrInvalid = errors.New("invalid request")
)

const DefaultMaxRetries = 2

type Store interface {
	CreateQueue(ctx context.Context, q domain.Queue) (string, error)
	GetQueue(ctx context.Context, id string) (domain.Queue, error)
	TransitionQueue(ctx context.Context, id string, from []domain.QueueStatus, to domain.QueueStatus, now time.Time) (bool, error)
}

type Resolver interface {
	Resolve(ctx context.Context, q domain.Queue, explicit []domain.Recipient) (audience.Result, error)
}

type Progress interface {
	Refresh(ctx context.Context, queueID string) (domain.Queue, error)
	Snapshot(ctx context.Context, queueID string) (domain.Progress, error)
}

// Waker is notified when new work becomes claimable.
type Waker interface {
	Wake()
}

type EnqueueRequest struct {
	TenantID    string
	AccountID   string
	Name        string
	Template    string
	Variables   map[string]string
	Priority    int
	MaxRetries  *int
	RetryDelay  time.Duration
	BatchSize   int
	ScheduledAt *time.Time
	Filter      *domain.Filter
	Recipients  []domain.Recipient
}

type EnqueueResult struct {
	QueueID    string
	Status     domain.QueueStatus
	Queued     int
	Invalid    int
	Duplicates int
	Suppressed int
}

// Service is the command surface over queues: enqueue, trigger, status,
// pause and resume.
type Service struct {
	store    Store
	resolver Resolver
	progress Progress
	waker    Waker
	now      func() time.Time

	wg sync.WaitGroup
}

func NewService(store Store, resolver Resolver, progress Progress, waker Waker) *Service {
	return &Service{store: store, resolver: resolver, progress: progress, waker: waker, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) validate(req EnqueueRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalid)
	}
	if req.Filter == nil && len(req.Recipients) == 0 {
		return fmt.Errorf("%w: recipients or filter is required", ErrInvalid)
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalid)
	}
	if req.RetryDelay < 0 || req.BatchSize < 0 {
		return fmt.Errorf("%w: retry_delay and batch_size must not be negative", ErrInvalid)
	}
	if req.Template == "" {
		if req.Filter != nil {
			return fmt.Errorf("%w: template is required with a filter", ErrInvalid)
		}
		for i, r := range req.Recipients {
			if r.Message == "" {
				return fmt.Errorf("%w: recipients[%d] has no message and the queue has no template", ErrInvalid, i)
			}
		}
	}
	return nil
}

// Enqueue persists a queue and resolves its jobs. A queue with a future
// scheduledAt is SCHEDULED, otherwise it stays DRAFT until triggered.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if err := s.validate(req); err != nil {
		return EnqueueResult{}, err
	}
	now := s.now()

	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	status := domain.QueueDraft
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		status = domain.QueueScheduled
	}

	q := domain.Queue{
		TenantID:    req.TenantID,
		AccountID:   req.AccountID,
		Name:        req.Name,
		BatchSize:   req.BatchSize,
		MaxRetries:  maxRetries,
		RetryDelay:  req.RetryDelay,
		Priority:    req.Priority,
		Filter:      req.Filter,
		Template:    req.Template,
		Variables:   req.Variables,
		Status:      status,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
	}
	id, err := s.store.CreateQueue(ctx, q)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("create queue: %w", err)
	}
	q, err = s.store.GetQueue(ctx, id)
	if err != nil {
		return EnqueueResult{}, err
	}

	res, err := s.resolver.Resolve(ctx, q, req.Recipients)
	if err != nil {
		if len(req.Recipients) > 0 {
			// The explicit list is not stored, so a later Trigger could only
			// finish the filter part of the audience.
			status = domain.QueueFailed
			if _, terr := s.store.TransitionQueue(context.WithoutCancel(ctx), id,
				[]domain.QueueStatus{domain.QueueDraft, domain.QueueScheduled}, domain.QueueFailed, s.now()); terr != nil {
				log.Error().Err(terr).Str("queue_id", id).Msg("failed to close unresolved queue")
			}
		}
		return EnqueueResult{QueueID: id, Status: status}, fmt.Errorf("resolve audience: %w", err)
	}

	log.Info().
		Str("queue_id", id).
		Str("tenant_id", req.TenantID).
		Str("status", string(status)).
		Int("queued", res.Queued).
		Msg("queue enqueued")
	return EnqueueResult{
		QueueID:    id,
		Status:     status,
		Queued:     res.Queued,
		Invalid:    res.Invalid,
		Duplicates: res.Duplicates,
		Suppressed: res.Suppressed,
	}, nil
}

// Trigger starts processing of a queue and returns without waiting for it.
// A paused queue is resumed; an already processing queue is left running.
func (s *Service) Trigger(ctx context.Context, id string) (domain.QueueStatus, error) {
	q, err := s.store.GetQueue(ctx, id)
	if err != nil {
		return "", err
	}
	switch q.Status {
	case domain.QueueProcessing:
		s.wake()
		return q.Status, nil
	case domain.QueuePaused:
		return domain.QueueProcessing, s.Resume(ctx, id)
	case domain.QueueDraft, domain.QueueScheduled:
	default:
		return q.Status, fmt.Errorf("%w: queue %s is %s", ErrInvalidState, id, q.Status)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.activate(context.WithoutCancel(ctx), q); err != nil {
			log.Error().Err(err).Str("queue_id", id).Msg("failed to start queue")
		}
	}()
	return domain.QueueProcessing, nil
}

// activate resolves any missing jobs before the queue becomes claimable.
func (s *Service) activate(ctx context.Context, q domain.Queue) error {
	if _, err := s.resolver.Resolve(ctx, q, nil); err != nil {
		return fmt.Errorf("resolve audience: %w", err)
	}
	ok, err := s.store.TransitionQueue(ctx, q.ID,
		[]domain.QueueStatus{domain.QueueDraft, domain.QueueScheduled}, domain.QueueProcessing, s.now())
	if err != nil {
		return err
	}
	if !ok {
		// another trigger won
		return nil
	}
	log.Info().Str("queue_id", q.ID).Msg("queue processing started")
	s.wake()
	// closes queues that resolved to zero jobs
	_, err = s.progress.Refresh(ctx, q.ID)
	return err
}

// Wait blocks until background activations started by Trigger are done.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) Status(ctx context.Context, id string) (domain.Progress, error) {
	return s.progress.Snapshot(ctx, id)
}

// Pause stops new claims for a processing queue. In-flight sends finish.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.toggle(ctx, id, domain.QueueProcessing, domain.QueuePaused)
}

func (s *Service) Resume(ctx context.Context, id string) error {
	if err := s.toggle(ctx, id, domain.QueuePaused, domain.QueueProcessing); err != nil {
		return err
	}
	s.wake()
	// jobs may all have finished while paused
	if _, err := s.progress.Refresh(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *Service) toggle(ctx context.Context, id string, from, to domain.QueueStatus) error {
	ok, err := s.store.TransitionQueue(ctx, id, []domain.QueueStatus{from}, to, s.now())
	if err != nil {
		return err
	}
	if ok {
		log.Info().Str("queue_id", id).Str("status", string(to)).Msg("queue status changed")
		return nil
	}
	q, err := s.store.GetQueue(ctx, id)
	if err != nil {
		return err
	}
	if q.Status == to {
		return nil
	}
	return fmt.Errorf("%w: queue %s is %s", ErrInvalidState, id, q.Status)
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

// IsNotFound reports whether err means the queue does not exist.
func IsNotFound(err error) bool { return errors.Is(err, queue.ErrNotFound) }
