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

// RejectedFilesHandler relocates the source copies of rejected envelopes into
// the sibling "-rejected" container, preserving any same-named blob already
// there as a snapshot, then deletes the source and marks the envelope deleted.
type RejectedFilesHandler struct {
	storage  blob.Storage
	repo     store.EnvelopeRepository
	leaseTTL time.Duration
	log      zerolog.Logger
}

func NewRejectedFilesHandler(storage blob.Storage, repo store.EnvelopeRepository, leaseTTL time.Duration) *RejectedFilesHandler {
	return &RejectedFilesHandler{
		storage:  storage,
		repo:     repo,
		leaseTTL: leaseTTL,
		log:      logger.Get(),
	}
}

func (h *RejectedFilesHandler) Relocate(ctx context.Context, container string) error {
	envs, err := h.repo.FindRejectedNotDeleted(ctx, container)
	if err != nil {
		return fmt.Errorf("failed to query rejected envelopes for %s: %w", container, err)
	}

	for _, env := range envs {
		if err := h.relocateOne(ctx, env); err != nil {
			h.log.Error().Err(err).Str("container", env.Container).Str("blob", env.FileName).
				Str("envelope_id", env.ID).Msg("Rejected blob relocation failed")
		}
	}
	return nil
}

func (h *RejectedFilesHandler) relocateOne(ctx context.Context, env store.Envelope) error {
	lease, err := h.storage.AcquireLease(ctx, env.Container, env.FileName, h.leaseTTL)
	if errors.Is(err, blob.ErrLeaseHeld) {
		return nil
	}
	if err != nil {
		return err
	}
	defer h.storage.ReleaseLease(ctx, lease)

	rejected := env.Container + RejectedSuffix

	data, _, err := h.storage.ReadBlob(ctx, env.Container, env.FileName)
	if errors.Is(err, blob.ErrBlobNotFound) {
		// Source already gone (manual removal or a prior half-finished run
		// that got past the delete); nothing left to move.
		h.log.Info().Str("container", env.Container).Str("blob", env.FileName).
			Msg("Rejected source blob already absent, marking deleted")
		return h.finish(ctx, env)
	}
	if err != nil {
		return err
	}

	exists, err := h.storage.Exists(ctx, rejected, env.FileName)
	if err != nil {
		return err
	}
	if exists {
		// Keep prior history instead of overwriting it.
		if err := h.storage.Snapshot(ctx, rejected, env.FileName); err != nil {
			return err
		}
	}

	if err := h.storage.Upload(ctx, rejected, env.FileName, data); err != nil {
		return err
	}

	err = h.storage.DeleteBlob(ctx, env.Container, env.FileName)
	if err != nil && !errors.Is(err, blob.ErrBlobNotFound) {
		return err
	}

	return h.finish(ctx, env)
}

func (h *RejectedFilesHandler) finish(ctx context.Context, env store.Envelope) error {
	if err := h.repo.MarkDeleted(ctx, env.ID); err != nil {
		return err
	}
	return h.repo.AppendEvent(ctx, store.NewEvent(env.ID, store.EventDeletedFromRejected, "", ""))
}
