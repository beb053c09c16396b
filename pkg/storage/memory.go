package storage

import (
	"context"
	"sync"

	"github.com/lexsight/lattice/pkg/domain"
)

// MemorySink keeps written trails in memory in append order. It is the test
// double for the persistent sinks.
type MemorySink struct {
	mu     sync.Mutex
	trails [][]domain.AuditEvent
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write stores a copy of the trail.
func (s *MemorySink) Write(_ context.Context, trail []domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trails = append(s.trails, domain.CloneTrail(trail))
	return nil
}

// Trails returns every written trail in write order.
func (s *MemorySink) Trails() [][]domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]domain.AuditEvent, len(s.trails))
	for i, trail := range s.trails {
		out[i] = domain.CloneTrail(trail)
	}
	return out
}

// Events returns all written events flattened in write order.
func (s *MemorySink) Events() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AuditEvent
	for _, trail := range s.trails {
		out = append(out, domain.CloneTrail(trail)...)
	}
	return out
}

// Close is a no-op.
func (s *MemorySink) Close() error {
	return nil
}
