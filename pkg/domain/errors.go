package domain

import "errors"

// Common domain errors
var (
	ErrUnknownConstraintKind    = errors.New("unknown constraint kind")
	ErrInvalidParameters        = errors.New("invalid constraint parameters")
	ErrInvalidMaxPasses         = errors.New("invalid max passes")
	ErrRejectedByPolicy         = errors.New("text rejected by constraint")
	ErrGenerationUnavailable    = errors.New("generator unavailable")
	ErrGenerationTimeout        = errors.New("generation timed out")
	ErrAuditRecording           = errors.New("audit recording failed")
	ErrAuditChainBroken         = errors.New("audit hash chain broken")
	ErrNonDeterministicPipeline = errors.New("pipeline contains non-deterministic constraints")
	ErrProfileNotFound          = errors.New("profile not found")
	ErrProfileInvalid           = errors.New("invalid profile")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}
