package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/envelope-ingest/pkg/blob"
	"github.com/zoff-tech/envelope-ingest/pkg/store"
)

func TestScan_ReuploadAfterCleanupIsRecorded(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	handler := NewDuplicateHandler(storage, repo, time.Minute)
	ctx := context.Background()

	// The original envelope was dispatched and its blob cleaned up.
	env := store.NewEnvelope("bulkscan", "hello.zip", 100, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, env))
	require.NoError(t, repo.MarkDispatched(ctx, env.ID))
	require.NoError(t, repo.MarkDeleted(ctx, env.ID))

	// The same file shows up again.
	require.NoError(t, storage.Upload(ctx, "bulkscan", "hello.zip", []byte("reupload")))

	require.NoError(t, handler.Scan(ctx, "bulkscan"))

	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventDuplicateRejected, events[0].Type)
	assert.Contains(t, events[0].Notes, env.ID)

	// No new envelope was created for the duplicate.
	latest, err := repo.FindLast(ctx, "bulkscan", "hello.zip")
	require.NoError(t, err)
	assert.Equal(t, env.ID, latest.ID)
}

func TestScan_RepeatedScansRecordOnce(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	handler := NewDuplicateHandler(storage, repo, time.Minute)
	ctx := context.Background()

	env := store.NewEnvelope("bulkscan", "hello.zip", 100, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, env))
	require.NoError(t, repo.MarkRejected(ctx, env.ID, store.ErrSignatureVerification, "bad signature"))
	require.NoError(t, repo.MarkDeleted(ctx, env.ID))
	require.NoError(t, storage.Upload(ctx, "bulkscan", "hello.zip", []byte("reupload")))

	require.NoError(t, handler.Scan(ctx, "bulkscan"))
	require.NoError(t, handler.Scan(ctx, "bulkscan"))

	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestScan_InFlightEnvelopeIsNotADuplicate(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	handler := NewDuplicateHandler(storage, repo, time.Minute)
	ctx := context.Background()

	env := store.NewEnvelope("bulkscan", "hello.zip", 100, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, env))
	require.NoError(t, storage.Upload(ctx, "bulkscan", "hello.zip", []byte("original")))

	require.NoError(t, handler.Scan(ctx, "bulkscan"))

	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScan_NeverSeenBlobIsIgnored(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	handler := NewDuplicateHandler(storage, repo, time.Minute)
	ctx := context.Background()

	require.NoError(t, storage.Upload(ctx, "bulkscan", "new.zip", []byte("first sight")))
	require.NoError(t, handler.Scan(ctx, "bulkscan"))

	_, err := repo.FindLast(ctx, "bulkscan", "new.zip")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScan_TerminalButNotCleanedIsNotADuplicate(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	handler := NewDuplicateHandler(storage, repo, time.Minute)
	ctx := context.Background()

	env := store.NewEnvelope("bulkscan", "hello.zip", 100, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, env))
	require.NoError(t, repo.MarkDispatched(ctx, env.ID))
	require.NoError(t, storage.Upload(ctx, "bulkscan", "hello.zip", []byte("still here")))

	require.NoError(t, handler.Scan(ctx, "bulkscan"))

	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}
