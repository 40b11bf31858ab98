package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

// ErrLockBusy means another replica holds the job lock for this tick.
var ErrLockBusy = errors.New("cluster lock held by another replica")

// ClusterLock provides fleet-wide mutual exclusion per job name, backed by a
// database row with a unique constraint and an expiry timestamp. The row is
// held for its full TTL so a replica whose clock ticks slightly ahead cannot
// re-run a job another replica just finished; the holder itself re-acquires
// freely on its next tick. A crashed holder's lock expires on its own; no
// explicit recovery is needed.
type ClusterLock struct {
	db     *sql.DB
	holder string
	ttl    time.Duration
}

func NewClusterLock(db *sql.DB, ttl time.Duration) *ClusterLock {
	return &ClusterLock{
		db:     db,
		holder: uuid.NewString(),
		ttl:    ttl,
	}
}

// WithLock runs fn only if this replica wins the lock for jobName. Losing the
// race returns ErrLockBusy without running fn.
func (l *ClusterLock) WithLock(ctx context.Context, jobName string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer("envelope-ingest").Start(ctx, "WithClusterLock")
	defer span.End()

	if err := l.acquire(ctx, jobName); err != nil {
		if !errors.Is(err, ErrLockBusy) {
			span.RecordError(err)
		}
		return err
	}

	return fn(ctx)
}

func (l *ClusterLock) acquire(ctx context.Context, jobName string) error {
	// The holder clause lets the same replica renew its own unexpired row;
	// everyone else waits for expiry.
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO scheduler_locks (job_name, holder, expires_at)
         VALUES ($1, $2, $3)
         ON CONFLICT (job_name) DO UPDATE SET holder=EXCLUDED.holder, expires_at=EXCLUDED.expires_at
         WHERE scheduler_locks.expires_at < $4 OR scheduler_locks.holder = $2`,
		jobName, l.holder, time.Now().UTC().Add(l.ttl), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to acquire cluster lock %s: %w", jobName, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLockBusy
	}
	return nil
}
