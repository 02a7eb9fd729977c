package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DryRun logs messages instead of sending them.
type DryRun struct{}

func (DryRun) Send(ctx context.Context, phone, message string) (string, error) {
	id := "dry_" + uuid.NewString()
	log.Info().Str("phone", phone).Int("length", len(message)).Str("provider_message_id", id).Msg("dry-run send")
	return id, nil
}
