/*
errors.go - Failure taxonomy for margin computation and the ledger

PURPOSE:
  Three very different kinds of failure live here and must not be conflated:
  - Per-record resolution misses (no_routing, ...) are ComputeError values in
    the batch report, not Go errors - they are normal, recoverable outcomes.
  - ValidationError rejects malformed input before any write.
  - ErrImmutableLedger is an invariant violation: some code path attempted to
    update or delete a ledger row. It indicates a programming error.

USAGE:
  if errors.Is(err, margin.ErrAlreadyReversed) { ... }
*/
package margin

import (
	"errors"
	"fmt"
)

var (
	// ErrImmutableLedger is returned on any attempted update or delete of a
	// ledger row. Treat as an invariant violation, not a user-facing
	// condition.
	ErrImmutableLedger = errors.New("ledger rows are immutable; corrections are reversal entries")

	// ErrEntryNotFound is returned when a referenced ledger entry doesn't exist.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrAlreadyReversed is returned when an entry already has a reversal.
	// At most one reversal may reference a given original.
	ErrAlreadyReversed = errors.New("ledger entry already reversed")

	// ErrReverseReversal is returned when the target of a reversal is itself
	// a reversal entry.
	ErrReverseReversal = errors.New("cannot reverse a reversal entry")

	// ErrValidation is the sentinel behind ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError rejects malformed input (negative fees, non-positive FX
// rates, unknown channels) before any write happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// IsClientError reports whether err is due to invalid caller input rather
// than a system fault. Used by the HTTP layer for status mapping.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrReverseReversal)
}
