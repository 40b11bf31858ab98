package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/envelope-ingest/pkg/blob"
	"github.com/zoff-tech/envelope-ingest/pkg/config"
	"github.com/zoff-tech/envelope-ingest/pkg/logger"
)

// ContainerProcessor scans source containers and feeds every blob to the
// BlobProcessor over a bounded worker pool. One blob's failure never aborts
// the rest of the scan.
type ContainerProcessor struct {
	storage   blob.Storage
	processor *BlobProcessor
	routes    []config.ContainerRoute
	poolSize  int
	log       zerolog.Logger
}

func NewContainerProcessor(storage blob.Storage, processor *BlobProcessor, routes []config.ContainerRoute, poolSize int) *ContainerProcessor {
	return &ContainerProcessor{
		storage:   storage,
		processor: processor,
		routes:    routes,
		poolSize:  poolSize,
		log:       logger.Get(),
	}
}

// ProcessAll runs one scan over every enabled source container.
func (c *ContainerProcessor) ProcessAll(ctx context.Context) {
	for _, route := range c.routes {
		if !route.Enabled {
			c.log.Debug().Str("container", route.Source).Msg("Container disabled, skipping scan")
			continue
		}
		if err := c.Process(ctx, route); err != nil {
			c.log.Error().Err(err).Str("container", route.Source).Msg("Container scan failed")
		}
	}
}

// Process lists the blobs of one container and processes each of them.
func (c *ContainerProcessor) Process(ctx context.Context, route config.ContainerRoute) error {
	ctx, span := otel.Tracer("envelope-ingest").Start(ctx, "ProcessContainer", trace.WithAttributes(
		attribute.String("blob.container", route.Source),
	))
	defer span.End()

	infos, err := c.storage.ListBlobs(ctx, route.Source)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to list container %s: %w", route.Source, err)
	}
	span.SetAttributes(attribute.Int("blob.count", len(infos)))

	pool := NewWorkerPool(c.poolSize)
	pool.Start(ctx)
	for _, info := range infos {
		info := info
		pool.Submit(func(ctx context.Context) error {
			return c.processor.Process(ctx, route, info)
		})
	}
	pool.Stop()

	c.log.Info().Str("container", route.Source).Int("blobs", len(infos)).Msg("Container scan finished")
	return nil
}
