package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/envelope-ingest/pkg/blob"
	"github.com/zoff-tech/envelope-ingest/pkg/store"
)

func dispatchedEnvelope(t *testing.T, repo store.EnvelopeRepository, container, name string) *store.Envelope {
	t.Helper()

	ctx := context.Background()
	env := store.NewEnvelope(container, name, 100, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, env))
	require.NoError(t, repo.MarkDispatched(ctx, env.ID))
	return env
}

func TestClean_DeletesSourceAndMarksEnvelope(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	cleaner := NewDispatchedCleaner(storage, repo, time.Minute)
	ctx := context.Background()

	env := dispatchedEnvelope(t, repo, "bulkscan", "hello.zip")
	require.NoError(t, storage.Upload(ctx, "bulkscan", "hello.zip", []byte("payload")))

	require.NoError(t, cleaner.Clean(ctx, "bulkscan"))

	exists, err := storage.Exists(ctx, "bulkscan", "hello.zip")
	require.NoError(t, err)
	assert.False(t, exists)

	latest, err := repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, latest.IsDeleted)

	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventDeleted, events[0].Type)
}

func TestClean_AbsentBlobStillMarksDeleted(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	cleaner := NewDispatchedCleaner(storage, repo, time.Minute)
	ctx := context.Background()

	env := dispatchedEnvelope(t, repo, "bulkscan", "gone.zip")

	require.NoError(t, cleaner.Clean(ctx, "bulkscan"))

	latest, err := repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, latest.IsDeleted)
}

func TestClean_SecondRunIsIdempotent(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	cleaner := NewDispatchedCleaner(storage, repo, time.Minute)
	ctx := context.Background()

	env := dispatchedEnvelope(t, repo, "bulkscan", "hello.zip")
	require.NoError(t, storage.Upload(ctx, "bulkscan", "hello.zip", []byte("payload")))

	require.NoError(t, cleaner.Clean(ctx, "bulkscan"))
	require.NoError(t, cleaner.Clean(ctx, "bulkscan"))

	// Once marked deleted the envelope drops out of the batch; a second run
	// records no further events.
	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestClean_LeaseHeldSkipsBlob(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	cleaner := NewDispatchedCleaner(storage, repo, time.Minute)
	ctx := context.Background()

	env := dispatchedEnvelope(t, repo, "bulkscan", "held.zip")
	require.NoError(t, storage.Upload(ctx, "bulkscan", "held.zip", []byte("payload")))

	_, err := storage.AcquireLease(ctx, "bulkscan", "held.zip", time.Minute)
	require.NoError(t, err)

	require.NoError(t, cleaner.Clean(ctx, "bulkscan"))

	exists, err := storage.Exists(ctx, "bulkscan", "held.zip")
	require.NoError(t, err)
	assert.True(t, exists)

	latest, err := repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.False(t, latest.IsDeleted)
}

func TestClean_CreatedEnvelopesAreLeftAlone(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	cleaner := NewDispatchedCleaner(storage, repo, time.Minute)
	ctx := context.Background()

	env := store.NewEnvelope("bulkscan", "inflight.zip", 100, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, env))
	require.NoError(t, storage.Upload(ctx, "bulkscan", "inflight.zip", []byte("payload")))

	require.NoError(t, cleaner.Clean(ctx, "bulkscan"))

	exists, err := storage.Exists(ctx, "bulkscan", "inflight.zip")
	require.NoError(t, err)
	assert.True(t, exists)
}
