package stream

import (
	"context"
	"sync"
	"time"
)

// RecoveryEvent describes one recovery state change for live dashboards and
// alerting consumers.
type RecoveryEvent struct {
	VaultID   string    `json:"vault_id"`
	RequestID string    `json:"request_id"`
	Origin    string    `json:"origin"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs recovery events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan RecoveryEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{
		subs: make(map[int]chan RecoveryEvent),
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan RecoveryEvent {
	ch := make(chan RecoveryEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt RecoveryEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
