package sinks

import (
	"context"
	"sync"

	"github.com/tududes/websophon/internal/sophon"
)

// MemorySink records consumed notifications for test assertions.
type MemorySink struct {
	mu     sync.Mutex
	seen   []sophon.Notification
	closed bool
}

// NewMemorySink constructs a MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Consume appends the batch to the recorded notifications.
func (s *MemorySink) Consume(_ context.Context, batch []sophon.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, batch...)
	return nil
}

// Close marks the sink closed.
func (s *MemorySink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Notifications returns a copy of everything consumed so far.
func (s *MemorySink) Notifications() []sophon.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sophon.Notification, len(s.seen))
	copy(out, s.seen)
	return out
}

// Closed reports whether Close has been called.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
