package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/envelope-ingest/pkg/blob"
	"github.com/zoff-tech/envelope-ingest/pkg/logger"
	"github.com/zoff-tech/envelope-ingest/pkg/store"
)

// DispatchedCleaner deletes the source copies of envelopes that already
// dispatched. Deletion is idempotent: a blob that is already gone still marks
// the envelope deleted, and a single-blob failure never aborts the batch.
type DispatchedCleaner struct {
	storage  blob.Storage
	repo     store.EnvelopeRepository
	leaseTTL time.Duration
	log      zerolog.Logger
}

func NewDispatchedCleaner(storage blob.Storage, repo store.EnvelopeRepository, leaseTTL time.Duration) *DispatchedCleaner {
	return &DispatchedCleaner{
		storage:  storage,
		repo:     repo,
		leaseTTL: leaseTTL,
		log:      logger.Get(),
	}
}

func (c *DispatchedCleaner) Clean(ctx context.Context, container string) error {
	envs, err := c.repo.FindDispatchedNotDeleted(ctx, container)
	if err != nil {
		return fmt.Errorf("failed to query dispatched envelopes for %s: %w", container, err)
	}

	for _, env := range envs {
		if err := c.cleanOne(ctx, env); err != nil {
			c.log.Error().Err(err).Str("container", env.Container).Str("blob", env.FileName).
				Str("envelope_id", env.ID).Msg("Source cleanup failed")
		}
	}
	return nil
}

func (c *DispatchedCleaner) cleanOne(ctx context.Context, env store.Envelope) error {
	lease, err := c.storage.AcquireLease(ctx, env.Container, env.FileName, c.leaseTTL)
	if errors.Is(err, blob.ErrLeaseHeld) {
		return nil
	}
	if err != nil {
		return err
	}
	defer c.storage.ReleaseLease(ctx, lease)

	err = c.storage.DeleteBlob(ctx, env.Container, env.FileName)
	if errors.Is(err, blob.ErrBlobNotFound) {
		c.log.Info().Str("container", env.Container).Str("blob", env.FileName).
			Msg("Source blob already absent, marking deleted")
	} else if err != nil {
		return err
	}

	if err := c.repo.MarkDeleted(ctx, env.ID); err != nil {
		return err
	}
	return c.repo.AppendEvent(ctx, store.NewEvent(env.ID, store.EventDeleted, "", ""))
}
