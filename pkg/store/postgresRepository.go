package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// PostgresRepository persists envelopes via database/sql. Every operation is a
// single parameterized statement; no multi-statement transaction is held open
// across storage I/O.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) FindLast(ctx context.Context, container, fileName string) (*Envelope, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "FindLast")
	defer span.End()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes
         WHERE container=$1 AND file_name=$2
         ORDER BY created_at DESC LIMIT 1`, container, fileName)

	env, err := scanEnvelope(row)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	addDBStatsToSpan(span, "FindLast", 1)
	return env, nil
}

func (p *PostgresRepository) FindByID(ctx context.Context, id string) (*Envelope, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "FindByID")
	defer span.End()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes WHERE id=$1`, id)

	env, err := scanEnvelope(row)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return env, nil
}

func (p *PostgresRepository) Insert(ctx context.Context, env *Envelope) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Insert")
	defer span.End()

	// The anti-join keeps the "at most one CREATED per (container, file_name)"
	// invariant for the common case; under READ COMMITTED two replicas can both
	// pass the NOT EXISTS check, so the partial unique index
	// envelopes_one_created_idx ON envelopes(container, file_name)
	// WHERE status='CREATED' is the actual guarantee. Terminal rows stay out of
	// the index, so legitimate re-uploads after cleanup keep working.
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO envelopes (id, container, file_name, file_size, status, is_deleted,
             pending_notification, created_at, file_created_at)
         SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
         WHERE NOT EXISTS (
             SELECT 1 FROM envelopes WHERE container=$2 AND file_name=$3 AND status=$10)`,
		env.ID, env.Container, env.FileName, env.FileSize, env.Status,
		env.IsDeleted, env.PendingNotification, env.CreatedAt, env.FileCreatedAt,
		StatusCreated)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrActiveExists
		}
		span.RecordError(err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if affected == 0 {
		return ErrActiveExists
	}
	addDBStatsToSpan(span, "Insert", 1)
	return nil
}

func (p *PostgresRepository) MarkDispatched(ctx context.Context, id string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MarkDispatched")
	defer span.End()

	// The status guard makes the transition one-way: a concurrent replica that
	// already finished the envelope leaves zero rows to update.
	res, err := p.db.ExecContext(ctx,
		`UPDATE envelopes SET status=$1, dispatched_at=$2 WHERE id=$3 AND status=$4`,
		StatusDispatched, time.Now().UTC(), id, StatusCreated)
	return checkOneRow(span, res, err)
}

func (p *PostgresRepository) MarkRejected(ctx context.Context, id string, code ErrorCode, description string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MarkRejected")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE envelopes SET status=$1, error_code=$2, error_description=$3,
             pending_notification=TRUE
         WHERE id=$4 AND status=$5`,
		StatusRejected, code, description, id, StatusCreated)
	return checkOneRow(span, res, err)
}

func (p *PostgresRepository) MarkDeleted(ctx context.Context, id string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MarkDeleted")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE envelopes SET is_deleted=TRUE WHERE id=$1 AND status<>$2`,
		id, StatusCreated)
	return checkOneRow(span, res, err)
}

func (p *PostgresRepository) ClearPendingNotification(ctx context.Context, id string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ClearPendingNotification")
	defer span.End()

	_, err := p.db.ExecContext(ctx,
		`UPDATE envelopes SET pending_notification=FALSE WHERE id=$1`, id)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *PostgresRepository) FetchPendingNotifications(ctx context.Context, batchSize int) ([]Envelope, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "FetchPendingNotifications")
	defer span.End()

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes
         WHERE pending_notification=TRUE LIMIT $1`, batchSize)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	envs, err := scanEnvelopes(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	addDBStatsToSpan(span, "FetchPendingNotifications", len(envs))
	return envs, nil
}

func (p *PostgresRepository) FindDispatchedNotDeleted(ctx context.Context, container string) ([]Envelope, error) {
	return p.findByStatusNotDeleted(ctx, "FindDispatchedNotDeleted", container, StatusDispatched)
}

func (p *PostgresRepository) FindRejectedNotDeleted(ctx context.Context, container string) ([]Envelope, error) {
	return p.findByStatusNotDeleted(ctx, "FindRejectedNotDeleted", container, StatusRejected)
}

func (p *PostgresRepository) findByStatusNotDeleted(ctx context.Context, spanName, container string, status Status) ([]Envelope, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes
         WHERE container=$1 AND status=$2 AND is_deleted=FALSE`, container, status)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	envs, err := scanEnvelopes(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	addDBStatsToSpan(span, spanName, len(envs))
	return envs, nil
}

func (p *PostgresRepository) AppendEvent(ctx context.Context, event *EnvelopeEvent) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "AppendEvent")
	defer span.End()

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO envelope_events (id, envelope_id, type, error_code, notes, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.EnvelopeID, event.Type, nullableCode(event.ErrorCode),
		event.Notes, event.CreatedAt)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *PostgresRepository) FindEvents(ctx context.Context, envelopeID string) ([]EnvelopeEvent, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "FindEvents")
	defer span.End()

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, envelope_id, type, error_code, notes, created_at
         FROM envelope_events WHERE envelope_id=$1 ORDER BY created_at`, envelopeID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var events []EnvelopeEvent
	for rows.Next() {
		var ev EnvelopeEvent
		var code sql.NullString
		if err := rows.Scan(&ev.ID, &ev.EnvelopeID, &ev.Type, &code, &ev.Notes, &ev.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, err
		}
		ev.ErrorCode = ErrorCode(code.String)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	addDBStatsToSpan(span, "FindEvents", len(events))
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*Envelope, error) {
	var env Envelope
	var code, description sql.NullString
	var dispatchedAt sql.NullTime
	err := row.Scan(&env.ID, &env.Container, &env.FileName, &env.FileSize, &env.Status,
		&env.IsDeleted, &env.PendingNotification, &code, &description,
		&env.CreatedAt, &env.FileCreatedAt, &dispatchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	env.ErrorCode = ErrorCode(code.String)
	env.ErrorDescription = description.String
	if dispatchedAt.Valid {
		t := dispatchedAt.Time
		env.DispatchedAt = &t
	}
	return &env, nil
}

func scanEnvelopes(rows *sql.Rows) ([]Envelope, error) {
	var envs []Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

func checkOneRow(span trace.Span, res sql.Result, err error) error {
	if err != nil {
		span.RecordError(err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if affected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func nullableCode(code ErrorCode) sql.NullString {
	return sql.NullString{String: string(code), Valid: code != ""}
}
