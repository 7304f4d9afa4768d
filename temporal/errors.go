/*
errors.go - Error types for the temporal engine

PURPOSE:
  Overlap rejection is the load-bearing failure mode of versioned inserts:
  it is always surfaced to the caller and never auto-resolved. The error
  carries the conflicting row IDs so the caller (or a human fixing a rate
  schedule) can see exactly which rows collide.

USAGE:
  var oe *temporal.OverlapError
  if errors.As(err, &oe) {
      // oe.ConflictingIDs lists the rows blocking the insert
  }
*/
package temporal

import (
	"errors"
	"fmt"
)

var (
	// ErrOverlap is returned when a versioned insert would create two rows
	// valid at the same instant for the same key.
	ErrOverlap = errors.New("validity interval overlap")

	// ErrInvalidInterval is returned for malformed windows (end before start).
	ErrInvalidInterval = errors.New("invalid validity interval")
)

// OverlapError reports which existing rows conflict with an attempted insert.
type OverlapError struct {
	ConflictingIDs []int64
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("validity interval overlaps existing row(s) %v", e.ConflictingIDs)
}

func (e *OverlapError) Unwrap() error { return ErrOverlap }
