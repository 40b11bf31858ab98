package store

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an envelope.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusDispatched Status = "DISPATCHED"
	StatusRejected   Status = "REJECTED"
)

// EventType classifies an audit-trail entry.
type EventType string

const (
	EventFileProcessingStarted EventType = "FILE_PROCESSING_STARTED"
	EventDispatched            EventType = "DISPATCHED"
	EventRejected              EventType = "REJECTED"
	EventDeleted               EventType = "DELETED"
	EventDeletedFromRejected   EventType = "DELETED_FROM_REJECTED"
	EventDuplicateRejected     EventType = "DUPLICATE_REJECTED"
	EventError                 EventType = "ERROR"
	EventNotificationSent      EventType = "NOTIFICATION_SENT"
)

// ErrorCode is the closed set of rejection reasons an envelope can carry.
type ErrorCode string

const (
	ErrFileSizeExceeded      ErrorCode = "file-size-exceeded"
	ErrInvalidMetafile       ErrorCode = "invalid-metafile"
	ErrServiceDisabled       ErrorCode = "service-disabled"
	ErrAntivirusFailure      ErrorCode = "antivirus-failure"
	ErrSignatureVerification ErrorCode = "signature-verification-failure"
	ErrRescanRequired        ErrorCode = "rescan-required"
	ErrZipProcessingFailure  ErrorCode = "zip-processing-failure"
	ErrStaleEnvelope         ErrorCode = "stale-envelope"
)

// Envelope is one persisted ingestion attempt of a named file in a source
// container. Rows are append-mostly: a legitimate re-upload after cleanup
// creates a new row for the same (container, file_name), so no uniqueness
// constraint is enforced on the pair.
type Envelope struct {
	ID                  string     `json:"id"`
	Container           string     `json:"container"`
	FileName            string     `json:"file_name"`
	FileSize            int64      `json:"file_size"`
	Status              Status     `json:"status"`
	IsDeleted           bool       `json:"is_deleted"`
	PendingNotification bool       `json:"pending_notification"`
	ErrorCode           ErrorCode  `json:"error_code,omitempty"`
	ErrorDescription    string     `json:"error_description,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	FileCreatedAt       time.Time  `json:"file_created_at"`
	DispatchedAt        *time.Time `json:"dispatched_at,omitempty"`
}

// NewEnvelope creates an envelope in the CREATED state.
func NewEnvelope(container, fileName string, fileSize int64, fileCreatedAt time.Time) *Envelope {
	return &Envelope{
		ID:            uuid.NewString(),
		Container:     container,
		FileName:      fileName,
		FileSize:      fileSize,
		Status:        StatusCreated,
		CreatedAt:     time.Now().UTC(),
		FileCreatedAt: fileCreatedAt,
	}
}

// Terminal reports whether the envelope reached a final state.
func (e *Envelope) Terminal() bool {
	return e.Status == StatusDispatched || e.Status == StatusRejected
}

// EnvelopeEvent is an immutable audit-trail entry owned by an envelope. The
// event sequence, ordered by CreatedAt, is the source of truth for what
// happened to a file and when.
type EnvelopeEvent struct {
	ID         string    `json:"id"`
	EnvelopeID string    `json:"envelope_id"`
	Type       EventType `json:"type"`
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewEvent creates an audit entry for the given envelope.
func NewEvent(envelopeID string, eventType EventType, errorCode ErrorCode, notes string) *EnvelopeEvent {
	return &EnvelopeEvent{
		ID:         uuid.NewString(),
		EnvelopeID: envelopeID,
		Type:       eventType,
		ErrorCode:  errorCode,
		Notes:      notes,
		CreatedAt:  time.Now().UTC(),
	}
}
