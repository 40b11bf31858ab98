package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

// SpannerRepository is the Cloud Spanner backend of the envelope store.
type SpannerRepository struct {
	client *spanner.Client
}

func (s *SpannerRepository) FindLast(ctx context.Context, container, fileName string) (*Envelope, error) {
	stmt := spanner.Statement{
		SQL: `SELECT ` + envelopeColumns + ` FROM envelopes
              WHERE container = @container AND file_name = @fileName
              ORDER BY created_at DESC LIMIT 1`,
		Params: map[string]interface{}{
			"container": container,
			"fileName":  fileName,
		},
	}
	return s.querySingle(ctx, stmt)
}

func (s *SpannerRepository) FindByID(ctx context.Context, id string) (*Envelope, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT ` + envelopeColumns + ` FROM envelopes WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}
	return s.querySingle(ctx, stmt)
}

func (s *SpannerRepository) Insert(ctx context.Context, env *Envelope) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		iter := txn.Query(ctx, spanner.Statement{
			SQL: `SELECT id FROM envelopes
                  WHERE container = @container AND file_name = @fileName AND status = @created LIMIT 1`,
			Params: map[string]interface{}{
				"container": env.Container,
				"fileName":  env.FileName,
				"created":   string(StatusCreated),
			},
		})
		defer iter.Stop()
		if _, err := iter.Next(); err == nil {
			return ErrActiveExists
		} else if !errors.Is(err, iterator.Done) {
			return err
		}

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Insert("envelopes",
				[]string{"id", "container", "file_name", "file_size", "status", "is_deleted",
					"pending_notification", "created_at", "file_created_at"},
				[]interface{}{env.ID, env.Container, env.FileName, env.FileSize, string(env.Status),
					env.IsDeleted, env.PendingNotification, env.CreatedAt, env.FileCreatedAt}),
		})
	})
	return err
}

func (s *SpannerRepository) MarkDispatched(ctx context.Context, id string) error {
	return s.guardedUpdate(ctx, spanner.Statement{
		SQL: `UPDATE envelopes SET status = @status, dispatched_at = @dispatchedAt
              WHERE id = @id AND status = @created`,
		Params: map[string]interface{}{
			"status":       string(StatusDispatched),
			"dispatchedAt": time.Now().UTC(),
			"id":           id,
			"created":      string(StatusCreated),
		},
	})
}

func (s *SpannerRepository) MarkRejected(ctx context.Context, id string, code ErrorCode, description string) error {
	return s.guardedUpdate(ctx, spanner.Statement{
		SQL: `UPDATE envelopes SET status = @status, error_code = @code,
                  error_description = @description, pending_notification = TRUE
              WHERE id = @id AND status = @created`,
		Params: map[string]interface{}{
			"status":      string(StatusRejected),
			"code":        string(code),
			"description": description,
			"id":          id,
			"created":     string(StatusCreated),
		},
	})
}

func (s *SpannerRepository) MarkDeleted(ctx context.Context, id string) error {
	return s.guardedUpdate(ctx, spanner.Statement{
		SQL: `UPDATE envelopes SET is_deleted = TRUE WHERE id = @id AND status != @created`,
		Params: map[string]interface{}{
			"id":      id,
			"created": string(StatusCreated),
		},
	})
}

func (s *SpannerRepository) ClearPendingNotification(ctx context.Context, id string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		_, err := txn.Update(ctx, spanner.Statement{
			SQL:    `UPDATE envelopes SET pending_notification = FALSE WHERE id = @id`,
			Params: map[string]interface{}{"id": id},
		})
		return err
	})
	return err
}

func (s *SpannerRepository) FetchPendingNotifications(ctx context.Context, batchSize int) ([]Envelope, error) {
	return s.queryAll(ctx, spanner.Statement{
		SQL: `SELECT ` + envelopeColumns + ` FROM envelopes
              WHERE pending_notification = TRUE LIMIT @batchSize`,
		Params: map[string]interface{}{"batchSize": int64(batchSize)},
	})
}

func (s *SpannerRepository) FindDispatchedNotDeleted(ctx context.Context, container string) ([]Envelope, error) {
	return s.findByStatusNotDeleted(ctx, container, StatusDispatched)
}

func (s *SpannerRepository) FindRejectedNotDeleted(ctx context.Context, container string) ([]Envelope, error) {
	return s.findByStatusNotDeleted(ctx, container, StatusRejected)
}

func (s *SpannerRepository) findByStatusNotDeleted(ctx context.Context, container string, status Status) ([]Envelope, error) {
	return s.queryAll(ctx, spanner.Statement{
		SQL: `SELECT ` + envelopeColumns + ` FROM envelopes
              WHERE container = @container AND status = @status AND is_deleted = FALSE`,
		Params: map[string]interface{}{
			"container": container,
			"status":    string(status),
		},
	})
}

func (s *SpannerRepository) AppendEvent(ctx context.Context, event *EnvelopeEvent) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("envelope_events",
			[]string{"id", "envelope_id", "type", "error_code", "notes", "created_at"},
			[]interface{}{event.ID, event.EnvelopeID, string(event.Type),
				spannerNullString(string(event.ErrorCode)), event.Notes, event.CreatedAt}),
	})
	return err
}

func (s *SpannerRepository) FindEvents(ctx context.Context, envelopeID string) ([]EnvelopeEvent, error) {
	stmt := spanner.Statement{
		SQL: `SELECT id, envelope_id, type, error_code, notes, created_at
              FROM envelope_events WHERE envelope_id = @envelopeID ORDER BY created_at`,
		Params: map[string]interface{}{"envelopeID": envelopeID},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []EnvelopeEvent
	for {
		row, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var ev EnvelopeEvent
		var evType string
		var code spanner.NullString
		if err := row.Columns(&ev.ID, &ev.EnvelopeID, &evType, &code, &ev.Notes, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(evType)
		ev.ErrorCode = ErrorCode(code.StringVal)
		events = append(events, ev)
	}
	return events, nil
}

func (s *SpannerRepository) querySingle(ctx context.Context, stmt spanner.Statement) (*Envelope, error) {
	envs, err := s.queryAll(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		return nil, ErrNotFound
	}
	return &envs[0], nil
}

func (s *SpannerRepository) queryAll(ctx context.Context, stmt spanner.Statement) ([]Envelope, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var envs []Envelope
	for {
		row, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}

		var env Envelope
		var status string
		var code, description spanner.NullString
		var dispatchedAt spanner.NullTime
		if err := row.Columns(&env.ID, &env.Container, &env.FileName, &env.FileSize, &status,
			&env.IsDeleted, &env.PendingNotification, &code, &description,
			&env.CreatedAt, &env.FileCreatedAt, &dispatchedAt); err != nil {
			return nil, err
		}
		env.Status = Status(status)
		env.ErrorCode = ErrorCode(code.StringVal)
		env.ErrorDescription = description.StringVal
		if dispatchedAt.Valid {
			t := dispatchedAt.Time
			env.DispatchedAt = &t
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (s *SpannerRepository) guardedUpdate(ctx context.Context, stmt spanner.Statement) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		affected, err := txn.Update(ctx, stmt)
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrInvalidTransition
		}
		return nil
	})
	return err
}

func spannerNullString(s string) spanner.NullString {
	return spanner.NullString{StringVal: s, Valid: s != ""}
}
