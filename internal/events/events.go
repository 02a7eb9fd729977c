package events

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"outflow/internal/domain"
)

// Publisher receives a record for every job that reaches a terminal status.
type Publisher interface {
	Publish(ctx context.Context, rec domain.DeliveryRecord) error
}

// LogPublisher writes delivery records to the structured log.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.With().Str("component", "delivery").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, rec domain.DeliveryRecord) error {
	ev := p.logger.Info()
	if rec.Status == domain.JobFailed {
		ev = p.logger.Warn().Str("error", rec.Error)
	}
	ev.Str("job_id", rec.JobID).
		Str("queue_id", rec.QueueID).
		Str("tenant_id", rec.TenantID).
		Str("phone", rec.Phone).
		Str("status", string(rec.Status)).
		Str("provider_message_id", rec.ProviderMessageID).
		Int("attempts", rec.Attempts).
		Msg("delivery")
	return nil
}

// Multi fans a record out to several publishers and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, rec domain.DeliveryRecord) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nop discards records.
type Nop struct{}

func (Nop) Publish(context.Context, domain.DeliveryRecord) error { return nil }
