package cleanup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/envelope-ingest/pkg/blob"
	"github.com/zoff-tech/envelope-ingest/pkg/store"
)

func rejectedEnvelope(t *testing.T, repo store.EnvelopeRepository, container, name string) *store.Envelope {
	t.Helper()

	ctx := context.Background()
	env := store.NewEnvelope(container, name, 100, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, env))
	require.NoError(t, repo.MarkRejected(ctx, env.ID, store.ErrSignatureVerification, "bad signature"))
	return env
}

func TestRelocate_MovesBlobToRejectedContainer(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	handler := NewRejectedFilesHandler(storage, repo, time.Minute)
	ctx := context.Background()

	env := rejectedEnvelope(t, repo, "bulkscan", "bad.zip")
	require.NoError(t, storage.Upload(ctx, "bulkscan", "bad.zip", []byte("rejected payload")))

	require.NoError(t, handler.Relocate(ctx, "bulkscan"))

	// Moved, not copied.
	exists, err := storage.Exists(ctx, "bulkscan", "bad.zip")
	require.NoError(t, err)
	assert.False(t, exists)

	data, _, err := storage.ReadBlob(ctx, "bulkscan"+RejectedSuffix, "bad.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("rejected payload"), data)

	latest, err := repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, latest.IsDeleted)

	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventDeletedFromRejected, events[0].Type)
}

func TestRelocate_SnapshotsSameNamedBlob(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	handler := NewRejectedFilesHandler(storage, repo, time.Minute)
	ctx := context.Background()

	rejected := "bulkscan" + RejectedSuffix
	require.NoError(t, storage.Upload(ctx, rejected, "bad.zip", []byte("earlier rejection")))

	rejectedEnvelope(t, repo, "bulkscan", "bad.zip")
	require.NoError(t, storage.Upload(ctx, "bulkscan", "bad.zip", []byte("new rejection")))

	require.NoError(t, handler.Relocate(ctx, "bulkscan"))

	data, _, err := storage.ReadBlob(ctx, rejected, "bad.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("new rejection"), data)

	// The earlier rejection survives as a snapshot.
	infos, err := storage.ListBlobs(ctx, rejected)
	require.NoError(t, err)
	var snapshotData []byte
	for _, info := range infos {
		if strings.HasPrefix(info.Name, "bad.zip@snapshot-") {
			snapshotData, _, err = storage.ReadBlob(ctx, rejected, info.Name)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []byte("earlier rejection"), snapshotData)
}

func TestRelocate_AbsentSourceStillFinishes(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	handler := NewRejectedFilesHandler(storage, repo, time.Minute)
	ctx := context.Background()

	env := rejectedEnvelope(t, repo, "bulkscan", "gone.zip")

	require.NoError(t, handler.Relocate(ctx, "bulkscan"))

	latest, err := repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, latest.IsDeleted)

	exists, err := storage.Exists(ctx, "bulkscan"+RejectedSuffix, "gone.zip")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRelocate_SecondRunIsIdempotent(t *testing.T) {
	repo := store.NewInMemoryRepository()
	storage := blob.NewInMemoryStorage()
	handler := NewRejectedFilesHandler(storage, repo, time.Minute)
	ctx := context.Background()

	env := rejectedEnvelope(t, repo, "bulkscan", "bad.zip")
	require.NoError(t, storage.Upload(ctx, "bulkscan", "bad.zip", []byte("rejected payload")))

	require.NoError(t, handler.Relocate(ctx, "bulkscan"))
	require.NoError(t, handler.Relocate(ctx, "bulkscan"))

	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
