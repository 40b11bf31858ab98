package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/envelope-ingest/pkg/blob"
	"github.com/zoff-tech/envelope-ingest/pkg/logger"
)

// RejectedSuffix marks the sibling container holding relocated rejected blobs.
const RejectedSuffix = "-rejected"

// ShouldBeDeleted decides whether a rejected blob is past retention.
type ShouldBeDeleted func(info blob.Info) bool

// RetentionCheck approves blobs older than the retention window.
func RetentionCheck(retention time.Duration) ShouldBeDeleted {
	return func(info blob.Info) bool {
		return time.Since(info.CreatedAt) > retention
	}
}

// RejectedCleaner sweeps every "-rejected" container and deletes the blobs,
// snapshots included, that the eligibility check approves. Per-blob failures
// are logged individually and the sweep continues.
type RejectedCleaner struct {
	storage          blob.Storage
	sourceContainers []string
	shouldBeDeleted  ShouldBeDeleted
	log              zerolog.Logger
}

func NewRejectedCleaner(storage blob.Storage, sourceContainers []string, shouldBeDeleted ShouldBeDeleted) *RejectedCleaner {
	return &RejectedCleaner{
		storage:          storage,
		sourceContainers: sourceContainers,
		shouldBeDeleted:  shouldBeDeleted,
		log:              logger.Get(),
	}
}

func (c *RejectedCleaner) Clean(ctx context.Context) {
	for _, source := range c.sourceContainers {
		container := source + RejectedSuffix
		infos, err := c.storage.ListBlobs(ctx, container)
		if err != nil {
			c.log.Error().Err(err).Str("container", container).Msg("Failed to list rejected container")
			continue
		}

		for _, info := range infos {
			if !c.shouldBeDeleted(info) {
				continue
			}
			if err := c.storage.DeleteBlob(ctx, container, info.Name); err != nil {
				c.log.Error().Err(err).Str("container", container).Str("blob", info.Name).
					Msg("Failed to delete rejected blob")
				continue
			}
			c.log.Info().Str("container", container).Str("blob", info.Name).
				Msg("Rejected blob deleted after retention")
		}
	}
}
