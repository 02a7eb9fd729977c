package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"outflow/internal/domain"
)

const refreshLimit = 200

type Store interface {
	DueScheduledQueues(ctx context.Context, now time.Time) ([]domain.Queue, error)
	ListQueues(ctx context.Context, status domain.QueueStatus, limit int) ([]domain.Queue, error)
}

type Triggerer interface {
	Trigger(ctx context.Context, id string) (domain.QueueStatus, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Refresher interface {
	Refresh(ctx context.Context, queueID string) (domain.Queue, error)
}

// Specs are cron expressions (standard five fields or descriptors such as
// "@every 30s") for each maintenance job. An empty spec disables the job.
type Specs struct {
	Activate string
	Reap     string
	Refresh  string
}

func DefaultSpecs() Specs {
	return Specs{Activate: "@every 5s", Reap: "@every 30s", Refresh: "@every 15s"}
}

// Service runs the periodic maintenance jobs: activation of due scheduled
// queues, the stale worker sweep and progress refresh of running queues.
type Service struct {
	store    Store
	trigger  Triggerer
	reaper   Sweeper
	progress Refresher
	specs    Specs
	cron     *cron.Cron
	now      func() time.Time
	firstRun map[string]time.Time
}

func NewService(store Store, trigger Triggerer, reaper Sweeper, progress Refresher, specs Specs) *Service {
	logger := cronLogger{}
	return &Service{
		store:    store,
		trigger:  trigger,
		reaper:   reaper,
		progress: progress,
		specs:    specs,
		cron:     cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		now:      time.Now,
		firstRun: make(map[string]time.Time),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Start registers the jobs and starts the cron runner. Jobs run with ctx.
func (s *Service) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"activate", s.specs.Activate, s.ActivateDue},
		{"reap", s.specs.Reap, s.Reap},
		{"refresh", s.specs.Refresh, s.RefreshActive},
	}
	now := s.now()
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		next, err := NextRunTime(j.spec, now)
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		run := j.run
		if _, err := s.cron.AddFunc(j.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		s.firstRun[j.name] = next
		log.Info().Str("job", j.name).Str("spec", j.spec).Time("next_run", next).Msg("maintenance job scheduled")
	}
	s.cron.Start()
	log.Info().Int("jobs", len(s.firstRun)).Msg("maintenance scheduler started")
	return nil
}

// FirstRun returns when the named job was due to run first, as computed at Start.
func (s *Service) FirstRun(name string) (time.Time, bool) {
	t, ok := s.firstRun[name]
	return t, ok
}

// Stop stops the runner and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		log.Warn().Msg("maintenance jobs still running at shutdown")
	}
}

// ActivateDue triggers SCHEDULED queues whose time has come.
func (s *Service) ActivateDue(ctx context.Context) {
	queues, err := s.store.DueScheduledQueues(ctx, s.now())
	if err != nil {
		log.Error().Err(err).Msg("failed to get due scheduled queues")
		return
	}
	for _, q := range queues {
		if _, err := s.trigger.Trigger(ctx, q.ID); err != nil {
			log.Error().Err(err).Str("queue_id", q.ID).Msg("failed to activate scheduled queue")
			continue
		}
		log.Info().
			Str("queue_id", q.ID).
			Str("queue_name", q.Name).
			Time("scheduled_at", *q.ScheduledAt).
			Msg("scheduled queue activated")
	}
}

func (s *Service) Reap(ctx context.Context) {
	if s.reaper == nil {
		return
	}
	if _, err := s.reaper.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("stale worker sweep failed")
	}
}

// RefreshActive recounts running and paused queues, closing those whose jobs
// finished without a worker noticing.
func (s *Service) RefreshActive(ctx context.Context) {
	for _, status := range []domain.QueueStatus{domain.QueueProcessing, domain.QueuePaused} {
		queues, err := s.store.ListQueues(ctx, status, refreshLimit)
		if err != nil {
			log.Error().Err(err).Str("status", string(status)).Msg("failed to list queues")
			return
		}
		for _, q := range queues {
			if _, err := s.progress.Refresh(ctx, q.ID); err != nil {
				log.Error().Err(err).Str("queue_id", q.ID).Msg("progress refresh failed")
			}
		}
	}
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// cronLogger routes cron's own messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Str("component", "cron").Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Str("component", "cron").Err(err).Fields(keysAndValues).Msg(msg)
}
