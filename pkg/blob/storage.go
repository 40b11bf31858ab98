package blob

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseHeld is returned by AcquireLease when another holder owns the blob.
// Callers skip the blob for the current cycle; the next scheduled pass retries.
var ErrLeaseHeld = errors.New("blob lease held by another worker")

// ErrBlobNotFound is returned when the named blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// Info carries the listing/read metadata of a blob.
type Info struct {
	Name      string
	Size      int64
	CreatedAt time.Time
}

// Lease is a time-bounded exclusive-ownership token on a single blob.
type Lease struct {
	Container string
	Name      string
	Token     string
	ExpiresAt time.Time
}

// Storage is the blob-service surface the pipeline depends on. Implementations
// must keep every call independent: no operation holds state across calls
// beyond the lease marker itself.
type Storage interface {
	// ListBlobs lists all blobs currently present in a container, snapshots
	// included. No ordering is guaranteed.
	ListBlobs(ctx context.Context, container string) ([]Info, error)
	// ReadBlob returns the full content and metadata of a blob, or
	// ErrBlobNotFound.
	ReadBlob(ctx context.Context, container, name string) ([]byte, Info, error)
	// Upload writes the blob in a single call.
	Upload(ctx context.Context, container, name string, data []byte) error
	// UploadChunked writes the blob in fixed-size sequential chunks and
	// commits them atomically; readers never observe a partial blob.
	UploadChunked(ctx context.Context, container, name string, data []byte, chunkSize int64) error
	// DeleteBlob removes a blob. Deleting an absent blob returns
	// ErrBlobNotFound so callers can treat the race as success.
	DeleteBlob(ctx context.Context, container, name string) error
	// Exists reports whether the named blob is present.
	Exists(ctx context.Context, container, name string) (bool, error)
	// Snapshot copies a blob aside under a timestamped name inside the same
	// container, preserving prior history before an overwrite.
	Snapshot(ctx context.Context, container, name string) error
	// AcquireLease takes exclusive ownership of a blob for ttl, or returns
	// ErrLeaseHeld.
	AcquireLease(ctx context.Context, container, name string, ttl time.Duration) (*Lease, error)
	// ReleaseLease gives up ownership. Releasing an expired or reclaimed
	// lease is a no-op.
	ReleaseLease(ctx context.Context, lease *Lease) error
}
