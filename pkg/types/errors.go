package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Kinds, not concrete transport errors: callers classify
// provider and storage failures into one of these so retry and propagation
// policy stays uniform across the system.

var (
	// ErrGuardrailBlock marks a gate returning can_execute=false. Not a
	// failure per se; surfaced so callers can distinguish a block from an
	// internal error.
	ErrGuardrailBlock = errors.New("guardrail block")

	// ErrCacheMiss marks an absent or expired cache row.
	ErrCacheMiss = errors.New("cache miss")

	// ErrPlanNotFound marks a missing plan file for the requested date.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPDTViolation marks a paper-mode order blocked by the PDT tracker.
	ErrPDTViolation = errors.New("PDT_VIOLATION")
)

// TransientError wraps a provider failure worth retrying: network timeout,
// 429, 5xx. The retry budget lives with the caller.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a provider failure that will not self-heal:
// non-429 4xx or a structurally malformed response. Never retried.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// SchemaError marks stored or transported data that fails to parse.
// Caches treat it as a miss; the bus routes the file to the dead-letter
// archive.
type SchemaError struct {
	Source string
	Err    error
}

func (e *SchemaError) Error() string { return fmt.Sprintf("schema error in %s: %v", e.Source, e.Err) }
func (e *SchemaError) Unwrap() error { return e.Err }

// SafeguardError marks a plan discarded by the end-of-pipeline safeguard.
// The plan is never repaired.
type SafeguardError struct {
	Code    string
	Tickers []string
}

func (e *SafeguardError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Tickers)
}

// SafeguardSameSymbolConflict codes a BUY and SELL of the same ticker in
// one plan.
const SafeguardSameSymbolConflict = "SAFEGUARD_SAME_SYMBOL_CONFLICT"

// NewConflictSafeguard builds the same-symbol BUY/SELL safeguard failure.
func NewConflictSafeguard(tickers []string) *SafeguardError {
	return &SafeguardError{Code: SafeguardSameSymbolConflict, Tickers: tickers}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
