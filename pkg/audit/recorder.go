package audit

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/lexsight/lattice/pkg/domain"
)

// runTrail is the arena holding one run's events.
type runTrail struct {
	events    []domain.AuditEvent
	finalized bool
}

// last returns the most recently appended event.
func (t *runTrail) last() (domain.AuditEvent, bool) {
	if len(t.events) == 0 {
		return domain.AuditEvent{}, false
	}
	return t.events[len(t.events)-1], true
}

// Recorder keeps append-only audit trails for in-flight pipeline runs.
// It is safe for concurrent use by multiple runs; events within a single
// run are expected to arrive sequentially.
type Recorder struct {
	mu     sync.RWMutex
	runs   map[string]*runTrail
	logger *slog.Logger
}

// NewRecorder creates a recorder. A nil logger falls back to slog.Default().
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		runs:   make(map[string]*runTrail),
		logger: logger.With("component", "audit.recorder"),
	}
}

// Begin opens an arena for the given run. Runs must be unique; beginning a
// run that already has an arena is a recording error.
func (r *Recorder) Begin(runID string) error {
	if runID == "" {
		return fmt.Errorf("%w: empty run id", domain.ErrAuditRecording)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[runID]; exists {
		return fmt.Errorf("%w: run %q already recording", domain.ErrAuditRecording, runID)
	}
	r.runs[runID] = &runTrail{}

	r.logger.Debug("audit trail opened", "run_id", runID)
	return nil
}

// Append adds one event to its run's trail. The event must continue the
// trail: strictly increasing (pass_index, order_index) and an input hash
// equal to the previous event's output hash.
func (r *Recorder) Append(event domain.AuditEvent) error {
	if event.RunID == "" {
		return fmt.Errorf("%w: event missing run id", domain.ErrAuditRecording)
	}
	if event.PassIndex < 0 || event.OrderIndex < 0 {
		return fmt.Errorf("%w: negative event position (pass=%d, order=%d)",
			domain.ErrAuditRecording, event.PassIndex, event.OrderIndex)
	}
	if event.InputHash == "" || event.OutputHash == "" {
		return fmt.Errorf("%w: event missing hashes", domain.ErrAuditRecording)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	trail, ok := r.runs[event.RunID]
	if !ok {
		return fmt.Errorf("%w: run %q has no open trail", domain.ErrAuditRecording, event.RunID)
	}
	if trail.finalized {
		return fmt.Errorf("%w: run %q is finalized", domain.ErrAuditRecording, event.RunID)
	}

	if prev, ok := trail.last(); ok {
		if !positionAfter(event, prev) {
			return fmt.Errorf("%w: event (pass=%d, order=%d) does not follow (pass=%d, order=%d)",
				domain.ErrAuditRecording, event.PassIndex, event.OrderIndex, prev.PassIndex, prev.OrderIndex)
		}
		if prev.OutputHash != event.InputHash {
			return fmt.Errorf("%w: input hash %s does not continue previous output hash %s",
				domain.ErrAuditRecording, event.InputHash, prev.OutputHash)
		}
	}

	trail.events = append(trail.events, event.Clone())

	r.logger.Debug("audit event recorded",
		"run_id", event.RunID,
		"pass_index", event.PassIndex,
		"order_index", event.OrderIndex,
		"constraint_id", event.ConstraintID,
		"action_taken", event.ActionTaken,
	)
	return nil
}

// Trail returns a copy of the events recorded so far for the run. It works
// on both open and finalized runs; unknown runs yield nil.
func (r *Recorder) Trail(runID string) []domain.AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trail, ok := r.runs[runID]
	if !ok {
		return nil
	}
	return domain.CloneTrail(trail.events)
}

// Finalize seals the run's trail and returns an immutable copy. Partial
// trails from cancelled runs finalize the same way as complete ones. Further
// appends to the run fail.
func (r *Recorder) Finalize(runID string) ([]domain.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trail, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %q has no open trail", domain.ErrAuditRecording, runID)
	}
	if trail.finalized {
		return nil, fmt.Errorf("%w: run %q already finalized", domain.ErrAuditRecording, runID)
	}
	trail.finalized = true

	r.logger.Debug("audit trail finalized", "run_id", runID, "events", len(trail.events))
	return domain.CloneTrail(trail.events), nil
}

// Release drops the run's arena. Callers release after the finalized trail
// has been handed off; releasing an unknown run is a no-op.
func (r *Recorder) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// positionAfter reports whether a comes strictly after b in (pass, order)
// ordering.
func positionAfter(a, b domain.AuditEvent) bool {
	if a.PassIndex != b.PassIndex {
		return a.PassIndex > b.PassIndex
	}
	return a.OrderIndex > b.OrderIndex
}
