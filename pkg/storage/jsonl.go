package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/lexsight/lattice/pkg/domain"
)

// maxLineBytes bounds a single JSONL record. Events carry hashes and small
// detail maps, never raw text, so 1 MiB is generous.
const maxLineBytes = 1 << 20

// JSONLSink appends audit events to a file, one JSON object per line. Every
// line carries the run_id field, so trails from many runs can share a file
// and still be regrouped on read.
type JSONLSink struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	logger *slog.Logger
}

// NewJSONLSink opens (or creates) the file for appending.
func NewJSONLSink(path string, logger *slog.Logger) (*JSONLSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// #nosec G304 -- the path is operator-supplied configuration
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &JSONLSink{
		file:   file,
		enc:    json.NewEncoder(file),
		logger: logger.With("component", "storage.jsonl", "path", path),
	}, nil
}

// Write appends the trail's events in order.
func (s *JSONLSink) Write(ctx context.Context, trail []domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, event := range trail {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.enc.Encode(event); err != nil {
			return fmt.Errorf("%w: jsonl event %d: %v", domain.ErrAuditRecording, i, err)
		}
	}

	s.logger.Debug("trail persisted", "events", len(trail))
	return nil
}

// Close syncs and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// ReadEvents decodes every JSONL audit event from the reader, preserving
// file order. Blank lines are skipped; malformed lines fail with their line
// number.
func ReadEvents(r io.Reader) ([]domain.AuditEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var events []domain.AuditEvent
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event domain.AuditEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", line, err)
	}
	return events, nil
}

// ReadEventsFile is ReadEvents over a file path.
func ReadEventsFile(path string) ([]domain.AuditEvent, error) {
	// #nosec G304 -- the path is operator-supplied configuration
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()
	return ReadEvents(file)
}

// GroupByRun partitions events into per-run trails. Within each trail the
// file order is preserved; run IDs are returned in order of first appearance.
func GroupByRun(events []domain.AuditEvent) (map[string][]domain.AuditEvent, []string) {
	trails := make(map[string][]domain.AuditEvent)
	var order []string
	for _, event := range events {
		if _, seen := trails[event.RunID]; !seen {
			order = append(order, event.RunID)
		}
		trails[event.RunID] = append(trails[event.RunID], event)
	}
	return trails, order
}
