package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no envelope matches a lookup.
var ErrNotFound = errors.New("envelope not found")

// ErrInvalidTransition is returned when a status update would violate the
// one-way CREATED -> DISPATCHED | REJECTED state machine, typically because
// another replica finished the envelope first.
var ErrInvalidTransition = errors.New("invalid envelope status transition")

// ErrActiveExists is returned by Insert when a CREATED envelope for the same
// (container, fileName) already exists. Callers resume that envelope instead
// of competing with it.
var ErrActiveExists = errors.New("an active envelope already exists for this file")

// EnvelopeRepository defines the database operations for envelopes and their
// audit trail.
type EnvelopeRepository interface {
	// FindLast retrieves the most recently created envelope for a
	// (container, fileName) pair, or ErrNotFound.
	FindLast(ctx context.Context, container, fileName string) (*Envelope, error)
	// FindByID retrieves an envelope by its id, or ErrNotFound.
	FindByID(ctx context.Context, id string) (*Envelope, error)
	// Insert persists a new envelope row, enforcing that at most one CREATED
	// envelope exists per (container, fileName). Returns ErrActiveExists when
	// another CREATED row is already present.
	Insert(ctx context.Context, env *Envelope) error
	// MarkDispatched transitions a CREATED envelope to DISPATCHED and stamps
	// dispatched_at. Returns ErrInvalidTransition if the envelope is no
	// longer CREATED.
	MarkDispatched(ctx context.Context, id string) error
	// MarkRejected transitions a CREATED envelope to REJECTED with the given
	// error code/description and raises pending_notification. Returns
	// ErrInvalidTransition if the envelope is no longer CREATED.
	MarkRejected(ctx context.Context, id string, code ErrorCode, description string) error
	// MarkDeleted flags a terminal envelope's source copy as removed. Returns
	// ErrInvalidTransition if the envelope is still CREATED.
	MarkDeleted(ctx context.Context, id string) error
	// ClearPendingNotification lowers the pending_notification flag after a
	// successful publish.
	ClearPendingNotification(ctx context.Context, id string) error
	// FetchPendingNotifications retrieves envelopes awaiting a rejection
	// notice.
	FetchPendingNotifications(ctx context.Context, batchSize int) ([]Envelope, error)
	// FindDispatchedNotDeleted retrieves envelopes in a container whose
	// source copy still awaits cleanup.
	FindDispatchedNotDeleted(ctx context.Context, container string) ([]Envelope, error)
	// FindRejectedNotDeleted retrieves rejected envelopes in a container
	// whose source copy still awaits relocation.
	FindRejectedNotDeleted(ctx context.Context, container string) ([]Envelope, error)
	// AppendEvent writes an immutable audit-trail entry.
	AppendEvent(ctx context.Context, event *EnvelopeEvent) error
	// FindEvents retrieves the audit trail of an envelope ordered by
	// creation time.
	FindEvents(ctx context.Context, envelopeID string) ([]EnvelopeEvent, error)
}
