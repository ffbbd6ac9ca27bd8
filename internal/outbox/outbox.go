// Package outbox decouples state transitions from unreliable notification
// I/O: a transition appends a durable effect record, and a worker delivers it
// later with retry. A crash between the two loses no pending effect.
package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"heirloom.org/internal/ids"
)

// Status is the effect delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	// StatusFailed marks an effect that exhausted its attempts (dead letter).
	StatusFailed Status = "failed"
)

// Effect is one durable side effect to perform.
type Effect struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Recipient     string            `json:"recipient"`
	Vars          map[string]string `json:"vars"`
	Status        Status            `json:"status"`
	Attempts      int               `json:"attempts"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Store persists effects.
type Store interface {
	Append(ctx context.Context, e *Effect) error
	// Due returns pending effects whose next attempt is at or before now,
	// oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*Effect, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkRetry reschedules a failed attempt.
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	// MarkFailed dead-letters an effect that exhausted its attempts.
	MarkFailed(ctx context.Context, id string, at time.Time, lastErr string) error
	PendingCount(ctx context.Context) (int, error)
}

// Outbox is the enqueue-facing handle given to the domain service.
type Outbox struct {
	store Store
	now   func() time.Time
}

// New creates an Outbox over the store.
func New(store Store) *Outbox {
	return &Outbox{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue records an effect for later delivery.
func (o *Outbox) Enqueue(ctx context.Context, kind, recipient string, vars map[string]string) error {
	now := o.now()
	copied := make(map[string]string, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return o.store.Append(ctx, &Effect{
		ID:            ids.New(),
		Kind:          kind,
		Recipient:     recipient,
		Vars:          copied,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// Memory implements Store in process. Used in tests and dev mode.
type Memory struct {
	mu      sync.Mutex
	effects map[string]*Effect
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{effects: make(map[string]*Effect)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Append(ctx context.Context, e *Effect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.effects[e.ID] = &cp
	return nil
}

func (m *Memory) Due(ctx context.Context, now time.Time, limit int) ([]*Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Effect
	for _, e := range m.effects {
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			cp := *e
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.effects[id]; ok {
		e.Status = StatusDelivered
		e.UpdatedAt = at
	}
	return nil
}

func (m *Memory) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.effects[id]; ok {
		e.Attempts = attempts
		e.NextAttemptAt = next
		e.LastError = lastErr
		e.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, id string, at time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.effects[id]; ok {
		e.Status = StatusFailed
		e.LastError = lastErr
		e.UpdatedAt = at
	}
	return nil
}

func (m *Memory) PendingCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.effects {
		if e.Status == StatusPending {
			n++
		}
	}
	return n, nil
}
