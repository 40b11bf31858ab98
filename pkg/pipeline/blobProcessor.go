package pipeline

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/envelope-ingest/pkg/blob"
	"github.com/zoff-tech/envelope-ingest/pkg/config"
	"github.com/zoff-tech/envelope-ingest/pkg/dispatch"
	"github.com/zoff-tech/envelope-ingest/pkg/logger"
	"github.com/zoff-tech/envelope-ingest/pkg/store"
	"github.com/zoff-tech/envelope-ingest/pkg/verifier"
)

// BlobProcessor drives a single blob through the envelope state machine:
// lease, verify, dispatch or reject, record events. Transient failures leave
// the envelope CREATED so the next scheduled pass retries; only verification
// outcomes are terminal.
type BlobProcessor struct {
	repo        store.EnvelopeRepository
	storage     blob.Storage
	dispatcher  *dispatch.Dispatcher
	keys        map[string]*rsa.PublicKey
	maxFileSize int64
	leaseTTL    time.Duration
	log         zerolog.Logger
}

func NewBlobProcessor(repo store.EnvelopeRepository, storage blob.Storage, dispatcher *dispatch.Dispatcher,
	keys map[string]*rsa.PublicKey, maxFileSize int64, leaseTTL time.Duration) *BlobProcessor {
	return &BlobProcessor{
		repo:        repo,
		storage:     storage,
		dispatcher:  dispatcher,
		keys:        keys,
		maxFileSize: maxFileSize,
		leaseTTL:    leaseTTL,
		log:         logger.Get(),
	}
}

// Process handles one blob end to end. A nil return means the blob either
// reached a terminal state, was skipped (already finished, or lease held
// elsewhere), or hit a transient failure that the next pass will retry.
func (p *BlobProcessor) Process(ctx context.Context, route config.ContainerRoute, info blob.Info) error {
	ctx, span := otel.Tracer("envelope-ingest").Start(ctx, "ProcessBlob", trace.WithAttributes(
		attribute.String("blob.container", route.Source),
		attribute.String("blob.name", info.Name),
		attribute.Int64("blob.size", info.Size),
	))
	defer span.End()

	log := p.log.With().Str("container", route.Source).Str("blob", info.Name).Logger()

	env, err := p.resolveEnvelope(ctx, route.Source, info)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if env == nil {
		log.Debug().Msg("Envelope already terminal, skipping blob")
		return nil
	}
	span.SetAttributes(attribute.String("envelope.id", env.ID))

	lease, err := p.storage.AcquireLease(ctx, route.Source, info.Name, p.leaseTTL)
	if errors.Is(err, blob.ErrLeaseHeld) {
		log.Debug().Msg("Blob lease held elsewhere, deferring to next pass")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return p.recordFailure(ctx, env, err)
	}
	defer func() {
		if err := p.storage.ReleaseLease(ctx, lease); err != nil {
			log.Warn().Err(err).Msg("Failed to release blob lease")
		}
	}()

	// Re-check under the lease: a worker that held it before us may have
	// finished the envelope while we waited for our turn.
	env, err = p.repo.FindLast(ctx, route.Source, info.Name)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if env.Status != store.StatusCreated {
		log.Debug().Msg("Envelope finished by another worker, skipping blob")
		return nil
	}

	if err := p.processLeased(ctx, route, info, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.recordFailure(ctx, env, err)
	}
	return nil
}

// resolveEnvelope finds or creates the envelope to work on. It returns nil
// when another worker already finished the file.
func (p *BlobProcessor) resolveEnvelope(ctx context.Context, container string, info blob.Info) (*store.Envelope, error) {
	env, err := p.repo.FindLast(ctx, container, info.Name)
	if err == nil {
		if env.Status != store.StatusCreated {
			return nil, nil
		}
		// A prior attempt crashed mid-flight; resume its envelope.
		return env, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	env = store.NewEnvelope(container, info.Name, info.Size, info.CreatedAt)
	if err := p.repo.Insert(ctx, env); err != nil {
		if errors.Is(err, store.ErrActiveExists) {
			// A concurrent worker created the envelope between our lookup and
			// insert; resume theirs.
			return p.repo.FindLast(ctx, container, info.Name)
		}
		return nil, fmt.Errorf("failed to create envelope for %s/%s: %w", container, info.Name, err)
	}
	if err := p.repo.AppendEvent(ctx, store.NewEvent(env.ID, store.EventFileProcessingStarted, "", "")); err != nil {
		return nil, err
	}
	return env, nil
}

func (p *BlobProcessor) processLeased(ctx context.Context, route config.ContainerRoute, info blob.Info, env *store.Envelope) error {
	data, meta, err := p.storage.ReadBlob(ctx, route.Source, info.Name)
	if err != nil {
		return fmt.Errorf("failed to read blob %s/%s: %w", route.Source, info.Name, err)
	}

	if p.maxFileSize > 0 && meta.Size > p.maxFileSize {
		return p.reject(ctx, env, store.ErrFileSizeExceeded,
			fmt.Sprintf("file is %d bytes, limit is %d", meta.Size, p.maxFileSize))
	}

	key, ok := p.keys[route.Source]
	if !ok {
		return fmt.Errorf("no public key configured for container %s", route.Source)
	}

	result := verifier.Verify(data, key)
	if !result.OK {
		return p.reject(ctx, env, result.ErrorCode, result.Description)
	}

	if err := p.dispatcher.Dispatch(ctx, route, info.Name, data); err != nil {
		return err
	}
	if err := p.repo.MarkDispatched(ctx, env.ID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// A concurrent replica finished first; the target write was
			// idempotent so nothing to undo.
			p.log.Info().Str("envelope_id", env.ID).Msg("Envelope already terminal after dispatch")
			return nil
		}
		return err
	}
	if err := p.repo.AppendEvent(ctx, store.NewEvent(env.ID, store.EventDispatched, "", "")); err != nil {
		return err
	}
	p.log.Info().Str("container", route.Source).Str("blob", info.Name).
		Str("envelope_id", env.ID).Msg("Envelope dispatched")
	return nil
}

func (p *BlobProcessor) reject(ctx context.Context, env *store.Envelope, code store.ErrorCode, description string) error {
	if err := p.repo.MarkRejected(ctx, env.ID, code, description); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			p.log.Info().Str("envelope_id", env.ID).Msg("Envelope already terminal, rejection dropped")
			return nil
		}
		return err
	}
	if err := p.repo.AppendEvent(ctx, store.NewEvent(env.ID, store.EventRejected, code, description)); err != nil {
		return err
	}
	p.log.Warn().Str("envelope_id", env.ID).Str("error_code", string(code)).
		Str("description", description).Msg("Envelope rejected")
	return nil
}

// recordFailure appends an ERROR audit entry for an unexpected failure and
// leaves the envelope CREATED. Retry happens implicitly on the next scheduled
// pass.
func (p *BlobProcessor) recordFailure(ctx context.Context, env *store.Envelope, cause error) error {
	event := store.NewEvent(env.ID, store.EventError, "", html.EscapeString(cause.Error()))
	if err := p.repo.AppendEvent(ctx, event); err != nil {
		p.log.Error().Err(err).Str("envelope_id", env.ID).Msg("Failed to record error event")
	}
	return cause
}
