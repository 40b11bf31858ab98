package schema

// Notice is the wire contract of a rejection notification. Consumers import
// this module to decode messages; the envelope id doubles as the
// transport-level message id for deduplication.
type Notice struct {
	EnvelopeID  string `json:"envelope_id"`
	Container   string `json:"container"`
	FileName    string `json:"file_name"`
	ErrorCode   string `json:"error_code"`
	Description string `json:"description"`
}
