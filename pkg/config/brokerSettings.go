package config

// BrokerSettings holds configuration for connecting to the message broker that
// carries rejection notices.
type BrokerSettings struct {
	Type      string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub"`
	URL       string `mapstructure:"url"`
	Exchange  string `mapstructure:"exchange"`
	Topic     string `mapstructure:"topic"`
	ProjectID string `mapstructure:"project_id"` // Optional for brokers like GCP Pub/Sub
}
