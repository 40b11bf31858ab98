package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/envelope-ingest/pkg/config"
)

// NewBroker builds the message broker selected by configuration.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
