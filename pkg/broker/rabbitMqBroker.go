package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/envelope-ingest/pkg/config"
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(
		settings.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &rabbitMqBroker{connection: conn, channel: ch, exchange: settings.Exchange}, nil
}

type rabbitMqBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	exchange   string
}

func (r *rabbitMqBroker) Publish(ctx context.Context, notice *Notice) error {
	tracer := otel.Tracer("envelope-ingest")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(r.exchange),
			semconv.MessagingMessageIDKey.String(notice.EnvelopeID),
		),
	)
	defer span.End()

	payload, err := json.Marshal(notice)
	if err != nil {
		span.RecordError(err)
		return err
	}

	// Inject the trace context into the message headers
	propagator := otel.GetTextMapPropagator()
	traceHeaders := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(traceHeaders))

	headers := make(amqp.Table)
	for k, v := range traceHeaders {
		headers[k] = v
	}

	err = r.channel.Publish(
		r.exchange, notice.Container, false, false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   notice.EnvelopeID,
			Body:        payload,
			Headers:     headers,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(payload)),
	)

	return nil
}

func (r *rabbitMqBroker) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
