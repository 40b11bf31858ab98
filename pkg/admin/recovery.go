package admin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/envelope-ingest/pkg/logger"
	"github.com/zoff-tech/envelope-ingest/pkg/store"
)

// Recovery is the operator escape hatch for envelopes stuck in CREATED. The
// pipeline itself never gives up on an envelope; forcing one to REJECTED is a
// deliberate manual decision so cleanup and notification can proceed.
type Recovery struct {
	repo store.EnvelopeRepository
	log  zerolog.Logger
}

func NewRecovery(repo store.EnvelopeRepository) *Recovery {
	return &Recovery{
		repo: repo,
		log:  logger.Get(),
	}
}

// ForceReject moves a stuck CREATED envelope to REJECTED with the
// stale-envelope error code.
func (r *Recovery) ForceReject(ctx context.Context, envelopeID string) error {
	env, err := r.repo.FindByID(ctx, envelopeID)
	if err != nil {
		return err
	}
	if env.Terminal() {
		return fmt.Errorf("envelope %s is already %s: %w", envelopeID, env.Status, store.ErrInvalidTransition)
	}

	description := "envelope forced to REJECTED by operator after being stuck in CREATED"
	if err := r.repo.MarkRejected(ctx, envelopeID, store.ErrStaleEnvelope, description); err != nil {
		return err
	}
	if err := r.repo.AppendEvent(ctx, store.NewEvent(envelopeID, store.EventRejected, store.ErrStaleEnvelope, description)); err != nil {
		return err
	}

	r.log.Warn().Str("envelope_id", envelopeID).Msg("Envelope forcefully rejected by operator")
	return nil
}
