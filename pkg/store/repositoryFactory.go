package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/envelope-ingest/pkg/config"
)

var NewSpannerRepositoryFactory = func(client *spanner.Client) EnvelopeRepository {
	return &SpannerRepository{client: client}
}

// NewRepository builds the envelope repository selected by configuration.
func NewRepository(ctx context.Context, cfg config.DbSettings) (EnvelopeRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(db), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
