package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/envelope-ingest/pkg/store"
)

func TestForceReject_StuckEnvelope(t *testing.T) {
	repo := store.NewInMemoryRepository()
	recovery := NewRecovery(repo)
	ctx := context.Background()

	env := store.NewEnvelope("bulkscan", "stuck.zip", 100, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, env))

	require.NoError(t, recovery.ForceReject(ctx, env.ID))

	latest, err := repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, latest.Status)
	assert.Equal(t, store.ErrStaleEnvelope, latest.ErrorCode)
	assert.True(t, latest.PendingNotification)

	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventRejected, events[0].Type)
	assert.Equal(t, store.ErrStaleEnvelope, events[0].ErrorCode)
}

func TestForceReject_TerminalEnvelope(t *testing.T) {
	repo := store.NewInMemoryRepository()
	recovery := NewRecovery(repo)
	ctx := context.Background()

	env := store.NewEnvelope("bulkscan", "done.zip", 100, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, env))
	require.NoError(t, repo.MarkDispatched(ctx, env.ID))

	err := recovery.ForceReject(ctx, env.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	latest, findErr := repo.FindByID(ctx, env.ID)
	require.NoError(t, findErr)
	assert.Equal(t, store.StatusDispatched, latest.Status)
}

func TestForceReject_UnknownEnvelope(t *testing.T) {
	repo := store.NewInMemoryRepository()
	recovery := NewRecovery(repo)

	err := recovery.ForceReject(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
