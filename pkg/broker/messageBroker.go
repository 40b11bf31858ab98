package broker

import "context"

// Notice is the rejection message published for an envelope. EnvelopeID doubles
// as the transport-level message id so consumers can deduplicate redeliveries.
type Notice struct {
	EnvelopeID  string `json:"envelope_id"`
	Container   string `json:"container"`
	FileName    string `json:"file_name"`
	ErrorCode   string `json:"error_code"`
	Description string `json:"description"`
}

// MessageBroker defines the operations to publish rejection notices.
type MessageBroker interface {
	// Publish sends the notice with its envelope id as the message identifier.
	Publish(ctx context.Context, notice *Notice) error
	// Close cleans up any resources (connections).
	Close() error
}
