package store

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "envelope-ingest"

const envelopeColumns = `id, container, file_name, file_size, status, is_deleted,
       pending_notification, error_code, error_description, created_at, file_created_at, dispatched_at`

func addDBStatsToSpan(span trace.Span, operation string, rowCount int) {
	span.SetAttributes(
		attribute.Int("rowCount", rowCount),
		attribute.String("db.operation", operation),
	)
}
