package pipeline

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

// DuplicateHandler detects blobs that reappeared after their envelope already
// finished and was cleaned up. Such re-uploads are recorded as
// DUPLICATE_REJECTED on the existing envelope; no new envelope is created and
// nothing is dispatched.
type DuplicateHandler struct {
	storage  blob.Storage
	repo     store.EnvelopeRepository
	leaseTTL time.Duration
	log      zerolog.Logger
}

func NewDuplicateHandler(storage blob.Storage, repo store.EnvelopeRepository, leaseTTL time.Duration) *DuplicateHandler {
	return &DuplicateHandler{
		storage:  storage,
		repo:     repo,
		leaseTTL: leaseTTL,
		log:      logger.Get(),
	}
}

// Scan checks every blob in a container against the envelope history. Per-blob
// failures are logged and the scan continues.
func (h *DuplicateHandler) Scan(ctx context.Context, container string) error {
	infos, err := h.storage.ListBlobs(ctx, container)
	if err != nil {
		return fmt.Errorf("failed to list container %s: %w", container, err)
	}

	for _, info := range infos {
		if err := h.handleBlob(ctx, container, info); err != nil {
			h.log.Error().Err(err).Str("container", container).Str("blob", info.Name).
				Msg("Duplicate check failed")
		}
	}
	return nil
}

func (h *DuplicateHandler) handleBlob(ctx context.Context, container string, info blob.Info) error {
	env, err := h.repo.FindLast(ctx, container, info.Name)
	if errors.Is(err, store.ErrNotFound) {
		// Never-seen file, the container scan will pick it up.
		return nil
	}
	if err != nil {
		return err
	}
	if !env.Terminal() || !env.IsDeleted {
		// In flight or not yet cleaned up; not a duplicate.
		return nil
	}

	lease, err := h.storage.AcquireLease(ctx, container, info.Name, h.leaseTTL)
	if errors.Is(err, blob.ErrLeaseHeld) {
		return nil
	}
	if err != nil {
		return err
	}
	defer h.storage.ReleaseLease(ctx, lease)

	recorded, err := h.alreadyRecorded(ctx, env.ID)
	if err != nil {
		return err
	}
	if recorded {
		return nil
	}

	notes := fmt.Sprintf("file %s re-uploaded after envelope %s was already %s and cleaned up",
		info.Name, env.ID, env.Status)
	if err := h.repo.AppendEvent(ctx, store.NewEvent(env.ID, store.EventDuplicateRejected, "", notes)); err != nil {
		return err
	}
	h.log.Warn().Str("container", container).Str("blob", info.Name).
		Str("envelope_id", env.ID).Msg("Duplicate upload rejected")
	return nil
}

// alreadyRecorded consults the audit trail so repeated scans do not pile up
// DUPLICATE_REJECTED entries for the same re-upload.
func (h *DuplicateHandler) alreadyRecorded(ctx context.Context, envelopeID string) (bool, error) {
	events, err := h.repo.FindEvents(ctx, envelopeID)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.Type == store.EventDuplicateRejected {
			return true, nil
		}
	}
	return false, nil
}
