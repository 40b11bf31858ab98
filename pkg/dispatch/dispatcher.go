package dispatch

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zoff-tech/envelope-ingest/pkg/blob"
	"github.com/zoff-tech/envelope-ingest/pkg/config"
)

// Dispatcher copies verified envelope content to the target account and
// container of the static routing table. Content above the chunk threshold
// goes through the chunked upload path; the commit is atomic either way, so a
// failed dispatch never leaves a partially written target blob.
type Dispatcher struct {
	targets        map[string]blob.Storage
	chunkSize      int64
	chunkThreshold int64
}

func NewDispatcher(targets map[string]blob.Storage, chunkSize, chunkThreshold int64) *Dispatcher {
	return &Dispatcher{
		targets:        targets,
		chunkSize:      chunkSize,
		chunkThreshold: chunkThreshold,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, route config.ContainerRoute, name string, data []byte) error {
	ctx, span := otel.Tracer("envelope-ingest").Start(ctx, "Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.target_account", route.TargetAccount),
		attribute.String("dispatch.target_container", route.TargetContainer),
		attribute.String("dispatch.blob", name),
		attribute.Int("dispatch.size_bytes", len(data)),
	)

	target, ok := d.targets[route.TargetAccount]
	if !ok {
		err := fmt.Errorf("no storage client for target account %s", route.TargetAccount)
		span.RecordError(err)
		return err
	}

	var err error
	if int64(len(data)) > d.chunkThreshold {
		err = target.UploadChunked(ctx, route.TargetContainer, name, data, d.chunkSize)
	} else {
		err = target.Upload(ctx, route.TargetContainer, name, data)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to dispatch %s to %s/%s: %w", name, route.TargetAccount, route.TargetContainer, err)
	}
	return nil
}
