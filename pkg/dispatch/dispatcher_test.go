package dispatch

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/envelope-ingest/pkg/blob"
	"github.com/zoff-tech/envelope-ingest/pkg/config"
)

// recordingStorage wraps the in-memory storage and records which upload path
// the dispatcher picked.
type recordingStorage struct {
	*blob.InMemoryStorage
	chunkedCalls int
	singleCalls  int
}

func (r *recordingStorage) Upload(ctx context.Context, container, name string, data []byte) error {
	r.singleCalls++
	return r.InMemoryStorage.Upload(ctx, container, name, data)
}

func (r *recordingStorage) UploadChunked(ctx context.Context, container, name string, data []byte, chunkSize int64) error {
	r.chunkedCalls++
	return r.InMemoryStorage.UploadChunked(ctx, container, name, data, chunkSize)
}

func testRoute() config.ContainerRoute {
	return config.ContainerRoute{
		Source:          "bulkscan",
		TargetAccount:   "archive",
		TargetContainer: "bulkscan-clean",
		Enabled:         true,
	}
}

func TestDispatch_SmallContentUsesSingleUpload(t *testing.T) {
	target := &recordingStorage{InMemoryStorage: blob.NewInMemoryStorage()}
	dispatcher := NewDispatcher(map[string]blob.Storage{"archive": target}, 1024, 4096)

	ctx := context.Background()
	payload := []byte("small payload")
	require.NoError(t, dispatcher.Dispatch(ctx, testRoute(), "hello.zip", payload))

	assert.Equal(t, 1, target.singleCalls)
	assert.Equal(t, 0, target.chunkedCalls)

	data, _, err := target.ReadBlob(ctx, "bulkscan-clean", "hello.zip")
	assert.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDispatch_LargeContentUsesChunkedUpload(t *testing.T) {
	target := &recordingStorage{InMemoryStorage: blob.NewInMemoryStorage()}
	dispatcher := NewDispatcher(map[string]blob.Storage{"archive": target}, 1024, 4096)

	ctx := context.Background()
	payload := bytes.Repeat([]byte("x"), 5000)
	require.NoError(t, dispatcher.Dispatch(ctx, testRoute(), "big.zip", payload))

	assert.Equal(t, 0, target.singleCalls)
	assert.Equal(t, 1, target.chunkedCalls)

	data, _, err := target.ReadBlob(ctx, "bulkscan-clean", "big.zip")
	assert.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDispatch_UnknownTargetAccount(t *testing.T) {
	dispatcher := NewDispatcher(map[string]blob.Storage{}, 1024, 4096)

	err := dispatcher.Dispatch(context.Background(), testRoute(), "hello.zip", []byte("payload"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "archive")
}
