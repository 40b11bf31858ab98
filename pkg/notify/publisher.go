package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/envelope-ingest/pkg/broker"
	"github.com/zoff-tech/envelope-ingest/pkg/logger"
	"github.com/zoff-tech/envelope-ingest/pkg/store"
)

// Publisher sends the rejection notice of every envelope whose
// pending_notification flag is raised. Delivery is at-least-once: the flag is
// cleared only after a successful publish, so a crash between publish and
// clear re-sends, never drops. The envelope id rides along as the message id
// so the transport can deduplicate.
type Publisher struct {
	repo      store.EnvelopeRepository
	broker    broker.MessageBroker
	batchSize int
	log       zerolog.Logger
}

func NewPublisher(repo store.EnvelopeRepository, messageBroker broker.MessageBroker, batchSize int) *Publisher {
	return &Publisher{
		repo:      repo,
		broker:    messageBroker,
		batchSize: batchSize,
		log:       logger.Get(),
	}
}

// PublishPending runs one notification pass.
func (p *Publisher) PublishPending(ctx context.Context) error {
	envs, err := p.repo.FetchPendingNotifications(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch pending notifications: %w", err)
	}

	tracer := otel.Tracer("envelope-ingest")
	for _, env := range envs {
		// Per-iteration context: each notification span is a sibling, not a
		// child of the previous envelope's span.
		spanCtx, span := tracer.Start(ctx, "PublishNotification", trace.WithAttributes(
			attribute.String("envelope.id", env.ID),
			attribute.String("envelope.container", env.Container),
			attribute.String("envelope.file_name", env.FileName),
		))

		notice := &broker.Notice{
			EnvelopeID:  env.ID,
			Container:   env.Container,
			FileName:    env.FileName,
			ErrorCode:   string(env.ErrorCode),
			Description: env.ErrorDescription,
		}

		if err := p.broker.Publish(spanCtx, notice); err != nil {
			// Flag stays raised; the next pass retries this envelope.
			p.log.Error().Err(err).Str("envelope_id", env.ID).Msg("Failed to publish rejection notice")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			continue
		}

		if err := p.repo.ClearPendingNotification(spanCtx, env.ID); err != nil {
			// The notice went out but the flag write failed; the next pass
			// re-publishes and consumers dedup on the message id.
			p.log.Error().Err(err).Str("envelope_id", env.ID).Msg("Failed to clear pending notification")
			span.RecordError(err)
			span.End()
			continue
		}

		if err := p.repo.AppendEvent(spanCtx, store.NewEvent(env.ID, store.EventNotificationSent, "", "")); err != nil {
			p.log.Error().Err(err).Str("envelope_id", env.ID).Msg("Failed to record notification event")
			span.RecordError(err)
		}
		span.End()
	}
	return nil
}
