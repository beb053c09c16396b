package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine/runtime"
)

// Factory builds an executable unit from a constraint spec. Factories
// validate their parameters and return errors wrapping
// domain.ErrInvalidParameters when the spec cannot be honored.
type Factory func(spec domain.ConstraintSpec) (runtime.Unit, error)

// Registry maps (kind, operation) pairs to unit factories and memoizes
// resolved units by spec fingerprint. Registration happens at startup;
// Resolve is safe for concurrent use afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	aliases   map[string]string
	units     map[string]runtime.Unit
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
		units:     make(map[string]runtime.Unit),
		logger:    logger.With("component", "engine.registry"),
	}
}

// Register adds or replaces the factory for an operation under the given
// kind. Aliases resolve to the same factory within the kind.
func (r *Registry) Register(kind domain.ConstraintKind, op string, factory Factory, aliases ...string) {
	canonical := registryKey(kind, op)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[canonical] = factory
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[registryKey(kind, alias)] = canonical
	}
}

// Resolve returns the executable unit for the spec. Resolution is memoized
// by the spec's canonical fingerprint, so identical specs across runs share
// one unit instance; units must therefore be stateless across invocations.
func (r *Registry) Resolve(spec domain.ConstraintSpec) (runtime.Unit, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	fingerprint := spec.Fingerprint()

	r.mu.RLock()
	if unit, ok := r.units[fingerprint]; ok {
		r.mu.RUnlock()
		return unit, nil
	}
	factory, canonical, ok := r.lookupLocked(spec)
	r.mu.RUnlock()

	if !ok {
		return nil, &domain.DomainError{
			Err:     domain.ErrUnknownConstraintKind,
			Code:    "UNKNOWN_CONSTRAINT",
			Message: fmt.Sprintf("no %s operation %q is registered", spec.Kind, spec.Op()),
			Details: map[string]any{"constraint_id": spec.ID},
		}
	}

	unit, err := factory(spec)
	if err != nil {
		return nil, fmt.Errorf("constraint %q: %w", spec.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.units[fingerprint]; ok {
		return existing, nil
	}
	r.units[fingerprint] = unit
	r.logger.Debug("resolved constraint unit",
		"constraint_id", spec.ID,
		"operation", canonical,
		"fingerprint", fingerprint[:12],
	)
	return unit, nil
}

// Operations lists the canonical kind/operation keys currently registered,
// sorted for stable output.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]string, 0, len(r.factories))
	for key := range r.factories {
		ops = append(ops, key)
	}
	sort.Strings(ops)
	return ops
}

// Known reports whether a factory is registered for the spec's kind and
// operation without instantiating a unit.
func (r *Registry) Known(spec domain.ConstraintSpec) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, _, ok := r.lookupLocked(spec)
	return ok
}

func (r *Registry) lookupLocked(spec domain.ConstraintSpec) (Factory, string, bool) {
	key := registryKey(spec.Kind, spec.Op())
	if factory, ok := r.factories[key]; ok {
		return factory, key, true
	}
	if canonical, ok := r.aliases[key]; ok {
		if factory, ok := r.factories[canonical]; ok {
			return factory, canonical, true
		}
	}
	return nil, "", false
}

func registryKey(kind domain.ConstraintKind, op string) string {
	return string(kind) + "/" + strings.ToLower(strings.TrimSpace(op))
}
