// Package storage persists finalized audit trails. Sinks are append-only:
// events are inserted, never updated or deleted, so a persisted trail stays
// verifiable against the hash chain it was recorded with.
package storage

import (
	"context"

	"github.com/lexsight/lattice/pkg/domain"
)

// Sink receives finalized audit trails for durable storage.
type Sink interface {
	// Write persists one run's trail. Implementations must keep event
	// order and must not mutate the events.
	Write(ctx context.Context, trail []domain.AuditEvent) error

	// Close releases the sink's resources.
	Close() error
}
