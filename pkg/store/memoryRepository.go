package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is an EnvelopeRepository backed by process memory, used
// by tests and local development. Status transitions are guarded under the
// same CREATED-only rule the SQL backends enforce.
type InMemoryRepository struct {
	mu        sync.Mutex
	envelopes map[string]*Envelope
	events    []EnvelopeEvent
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{envelopes: map[string]*Envelope{}}
}

func (r *InMemoryRepository) FindLast(ctx context.Context, container, fileName string) (*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var last *Envelope
	for _, env := range r.envelopes {
		if env.Container != container || env.FileName != fileName {
			continue
		}
		if last == nil || env.CreatedAt.After(last.CreatedAt) {
			last = env
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	cp := *last
	return &cp, ctx.Err()
}

func (r *InMemoryRepository) FindByID(ctx context.Context, id string) (*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	env, ok := r.envelopes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *env
	return &cp, ctx.Err()
}

func (r *InMemoryRepository) Insert(ctx context.Context, env *Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.envelopes {
		if existing.Container == env.Container && existing.FileName == env.FileName &&
			existing.Status == StatusCreated {
			return ErrActiveExists
		}
	}
	cp := *env
	r.envelopes[env.ID] = &cp
	return ctx.Err()
}

func (r *InMemoryRepository) MarkDispatched(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	env, ok := r.envelopes[id]
	if !ok || env.Status != StatusCreated {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	env.Status = StatusDispatched
	env.DispatchedAt = &now
	return ctx.Err()
}

func (r *InMemoryRepository) MarkRejected(ctx context.Context, id string, code ErrorCode, description string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	env, ok := r.envelopes[id]
	if !ok || env.Status != StatusCreated {
		return ErrInvalidTransition
	}
	env.Status = StatusRejected
	env.ErrorCode = code
	env.ErrorDescription = description
	env.PendingNotification = true
	return ctx.Err()
}

func (r *InMemoryRepository) MarkDeleted(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	env, ok := r.envelopes[id]
	if !ok || env.Status == StatusCreated {
		return ErrInvalidTransition
	}
	env.IsDeleted = true
	return ctx.Err()
}

func (r *InMemoryRepository) ClearPendingNotification(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if env, ok := r.envelopes[id]; ok {
		env.PendingNotification = false
	}
	return ctx.Err()
}

func (r *InMemoryRepository) FetchPendingNotifications(ctx context.Context, batchSize int) ([]Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var envs []Envelope
	for _, env := range r.envelopes {
		if env.PendingNotification {
			envs = append(envs, *env)
		}
		if len(envs) == batchSize {
			break
		}
	}
	return envs, ctx.Err()
}

func (r *InMemoryRepository) FindDispatchedNotDeleted(ctx context.Context, container string) ([]Envelope, error) {
	return r.findByStatusNotDeleted(ctx, container, StatusDispatched)
}

func (r *InMemoryRepository) FindRejectedNotDeleted(ctx context.Context, container string) ([]Envelope, error) {
	return r.findByStatusNotDeleted(ctx, container, StatusRejected)
}

func (r *InMemoryRepository) findByStatusNotDeleted(ctx context.Context, container string, status Status) ([]Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var envs []Envelope
	for _, env := range r.envelopes {
		if env.Container == container && env.Status == status && !env.IsDeleted {
			envs = append(envs, *env)
		}
	}
	return envs, ctx.Err()
}

func (r *InMemoryRepository) AppendEvent(ctx context.Context, event *EnvelopeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, *event)
	return ctx.Err()
}

func (r *InMemoryRepository) FindEvents(ctx context.Context, envelopeID string) ([]EnvelopeEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []EnvelopeEvent
	for _, ev := range r.events {
		if ev.EnvelopeID == envelopeID {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, ctx.Err()
}
