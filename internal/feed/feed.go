package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one user-facing scan outcome published for the status API and
// any companion display on the kiosk.
type Event struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	DisplayName string    `json:"display_name,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// NewEvent stamps an event with an id and timestamp.
func NewEvent(kind, displayName, detail string) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		DisplayName: displayName,
		Detail:      detail,
		At:          time.Now().UTC(),
	}
}

// Feed is the abstraction over outcome feed backends.
type Feed interface {
	Publish(ctx context.Context, evt Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
	Healthy(ctx context.Context) bool
}

// Memory is a bounded in-memory feed, newest first. The default backend
// when no companion process needs the stream.
type Memory struct {
	mu   sync.Mutex
	buf  []Event
	size int
}

// NewMemory creates a feed keeping the most recent size events.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 100
	}
	return &Memory{size: size}
}

// Publish prepends the event and trims to capacity.
func (m *Memory) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = append([]Event{evt}, m.buf...)
	if len(m.buf) > m.size {
		m.buf = m.buf[:m.size]
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (m *Memory) Recent(_ context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.buf) {
		limit = len(m.buf)
	}
	out := make([]Event, limit)
	copy(out, m.buf[:limit])
	return out, nil
}

// Healthy always succeeds for the in-memory backend.
func (m *Memory) Healthy(context.Context) bool { return true }
