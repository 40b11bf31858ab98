package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryObject struct {
	data      []byte
	createdAt time.Time
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// InMemoryStorage is a Storage backed by process memory, used by tests and
// local development. Chunked uploads stage parts and commit them in one step,
// mirroring the multipart contract.
type InMemoryStorage struct {
	mu      sync.Mutex
	objects map[string]map[string]memoryObject
	leases  map[string]memoryLease
}

func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		objects: map[string]map[string]memoryObject{},
		leases:  map[string]memoryLease{},
	}
}

func (s *InMemoryStorage) ListBlobs(ctx context.Context, container string) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []Info
	for name, obj := range s.objects[container] {
		infos = append(infos, Info{Name: name, Size: int64(len(obj.data)), CreatedAt: obj.createdAt})
	}
	return infos, ctx.Err()
}

func (s *InMemoryStorage) ReadBlob(ctx context.Context, container, name string) ([]byte, Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[container][name]
	if !ok {
		return nil, Info{}, ErrBlobNotFound
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, Info{Name: name, Size: int64(len(obj.data)), CreatedAt: obj.createdAt}, ctx.Err()
}

func (s *InMemoryStorage) Upload(ctx context.Context, container, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(container, name, data)
	return ctx.Err()
}

func (s *InMemoryStorage) UploadChunked(ctx context.Context, container, name string, data []byte, chunkSize int64) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	var assembled []byte
	for offset := int64(0); offset < int64(len(data)); offset += chunkSize {
		end := offset + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		assembled = append(assembled, data[offset:end]...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(container, name, assembled)
	return ctx.Err()
}

func (s *InMemoryStorage) DeleteBlob(ctx context.Context, container, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[container][name]; !ok {
		return ErrBlobNotFound
	}
	delete(s.objects[container], name)
	return ctx.Err()
}

func (s *InMemoryStorage) Exists(ctx context.Context, container, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[container][name]
	return ok, ctx.Err()
}

func (s *InMemoryStorage) Snapshot(ctx context.Context, container, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[container][name]
	if !ok {
		return ErrBlobNotFound
	}
	snapshotName := fmt.Sprintf("%s@snapshot-%d", name, time.Now().UTC().UnixNano())
	s.put(container, snapshotName, obj.data)
	return ctx.Err()
}

func (s *InMemoryStorage) AcquireLease(ctx context.Context, container, name string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := container + "/" + name
	if held, ok := s.leases[key]; ok && time.Now().Before(held.expiresAt) {
		return nil, ErrLeaseHeld
	}

	token := uuid.NewString()
	expiresAt := time.Now().UTC().Add(ttl)
	s.leases[key] = memoryLease{token: token, expiresAt: expiresAt}
	return &Lease{Container: container, Name: name, Token: token, ExpiresAt: expiresAt}, ctx.Err()
}

func (s *InMemoryStorage) ReleaseLease(ctx context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lease.Container + "/" + lease.Name
	if held, ok := s.leases[key]; ok && held.token == lease.Token {
		delete(s.leases, key)
	}
	return ctx.Err()
}

// put assumes the mutex is held.
func (s *InMemoryStorage) put(container, name string, data []byte) {
	if s.objects[container] == nil {
		s.objects[container] = map[string]memoryObject{}
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[container][name] = memoryObject{data: stored, createdAt: time.Now().UTC()}
}
