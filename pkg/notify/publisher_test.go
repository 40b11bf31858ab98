package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zoff-tech/envelope-ingest/pkg/broker"
	"github.com/zoff-tech/envelope-ingest/pkg/store"
)

type fakeBroker struct {
	published []broker.Notice
	fail      bool
}

func (f *fakeBroker) Publish(ctx context.Context, notice *broker.Notice) error {
	if f.fail {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, *notice)
	return nil
}

func (f *fakeBroker) Close() error { return nil }

// flakyClearRepo fails ClearPendingNotification a set number of times before
// behaving normally, simulating a store outage right after a publish.
type flakyClearRepo struct {
	*store.InMemoryRepository
	failures int
}

func (f *flakyClearRepo) ClearPendingNotification(ctx context.Context, id string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	return f.InMemoryRepository.ClearPendingNotification(ctx, id)
}

func pendingRejection(t *testing.T, repo store.EnvelopeRepository, name string) *store.Envelope {
	t.Helper()

	ctx := context.Background()
	env := store.NewEnvelope("bulkscan", name, 100, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, env))
	require.NoError(t, repo.MarkRejected(ctx, env.ID, store.ErrSignatureVerification, "bad signature"))
	return env
}

func TestPublishPending_SendsNoticeAndClearsFlag(t *testing.T) {
	repo := store.NewInMemoryRepository()
	fake := &fakeBroker{}
	publisher := NewPublisher(repo, fake, 50)
	ctx := context.Background()

	env := pendingRejection(t, repo, "bad.zip")

	require.NoError(t, publisher.PublishPending(ctx))

	require.Len(t, fake.published, 1)
	notice := fake.published[0]
	assert.Equal(t, env.ID, notice.EnvelopeID)
	assert.Equal(t, "bulkscan", notice.Container)
	assert.Equal(t, "bad.zip", notice.FileName)
	assert.Equal(t, string(store.ErrSignatureVerification), notice.ErrorCode)
	assert.Equal(t, "bad signature", notice.Description)

	latest, err := repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.False(t, latest.PendingNotification)

	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventNotificationSent, events[0].Type)
}

func TestPublishPending_BrokerFailureKeepsFlag(t *testing.T) {
	repo := store.NewInMemoryRepository()
	fake := &fakeBroker{fail: true}
	publisher := NewPublisher(repo, fake, 50)
	ctx := context.Background()

	env := pendingRejection(t, repo, "bad.zip")

	require.NoError(t, publisher.PublishPending(ctx))

	latest, err := repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, latest.PendingNotification)

	events, err := repo.FindEvents(ctx, env.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Once the broker recovers, the same pass pattern delivers the notice.
	fake.fail = false
	require.NoError(t, publisher.PublishPending(ctx))

	latest, err = repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.False(t, latest.PendingNotification)
	assert.Len(t, fake.published, 1)
}

func TestPublishPending_ClearFailureRepublishesSameID(t *testing.T) {
	repo := &flakyClearRepo{InMemoryRepository: store.NewInMemoryRepository(), failures: 1}
	fake := &fakeBroker{}
	publisher := NewPublisher(repo, fake, 50)
	ctx := context.Background()

	env := pendingRejection(t, repo, "bad.zip")

	// The notice goes out but the flag write fails, so the envelope stays
	// pending.
	require.NoError(t, publisher.PublishPending(ctx))
	require.Len(t, fake.published, 1)

	latest, err := repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, latest.PendingNotification)

	// The next pass re-sends with the same message id so consumers can dedup,
	// then clears the flag.
	require.NoError(t, publisher.PublishPending(ctx))
	require.Len(t, fake.published, 2)
	assert.Equal(t, env.ID, fake.published[0].EnvelopeID)
	assert.Equal(t, env.ID, fake.published[1].EnvelopeID)

	latest, err = repo.FindByID(ctx, env.ID)
	require.NoError(t, err)
	assert.False(t, latest.PendingNotification)
}

func TestPublishPending_SpansAreSiblings(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	repo := store.NewInMemoryRepository()
	fake := &fakeBroker{}
	publisher := NewPublisher(repo, fake, 50)
	ctx := context.Background()

	pendingRejection(t, repo, "one.zip")
	pendingRejection(t, repo, "two.zip")

	require.NoError(t, publisher.PublishPending(ctx))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	for _, span := range spans {
		assert.Equal(t, "PublishNotification", span.Name())
		assert.False(t, span.Parent().IsValid(),
			"notification spans must not nest under each other")
	}
}

func TestPublishPending_SecondPassSendsNothing(t *testing.T) {
	repo := store.NewInMemoryRepository()
	fake := &fakeBroker{}
	publisher := NewPublisher(repo, fake, 50)
	ctx := context.Background()

	pendingRejection(t, repo, "bad.zip")

	require.NoError(t, publisher.PublishPending(ctx))
	require.NoError(t, publisher.PublishPending(ctx))

	assert.Len(t, fake.published, 1)
}

func TestPublishPending_HonorsBatchSize(t *testing.T) {
	repo := store.NewInMemoryRepository()
	fake := &fakeBroker{}
	publisher := NewPublisher(repo, fake, 2)
	ctx := context.Background()

	pendingRejection(t, repo, "one.zip")
	pendingRejection(t, repo, "two.zip")
	pendingRejection(t, repo, "three.zip")

	require.NoError(t, publisher.PublishPending(ctx))
	assert.Len(t, fake.published, 2)

	// The remainder goes out on the next pass.
	require.NoError(t, publisher.PublishPending(ctx))
	assert.Len(t, fake.published, 3)
}
