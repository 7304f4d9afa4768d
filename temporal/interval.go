/*
Package temporal provides the versioned-validity engine shared by every
rate and assignment table.

PURPOSE:
  Vendor rates, client rates, routing assignments and FX rates all follow the
  same discipline: a row is valid over [effective_from, effective_to) and is
  superseded, never edited. This package contains the domain-agnostic pieces:
  - Date: a day-granularity point in time (rates change at day boundaries)
  - Interval: a half-open validity window, possibly open-ended
  - Series/Map: in-memory versioned collections implementing the insert
    contract (auto-close, overlap rejection, as-of lookup)

KEY INVARIANTS (per key):
  1. No two rows' intervals may intersect.
  2. At most one row is open-ended (effective_to = nil) at any time.

INSERT CONTRACT (InsertVersioned):
  1. An existing open-ended row starting before the new row is closed at the
     new row's start. This makes "supersede the current rate" succeed silently.
  2. Any remaining intersection is a genuine schedule conflict and fails with
     *OverlapError carrying the conflicting row IDs. Nothing is written.

SEE ALSO:
  - series.go: Series/Map implementations
  - errors.go: OverlapError and sentinels
  - store/sqlite: the same contract rendered as SQL, one transaction per insert
*/
package temporal

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granularity time point
// =============================================================================

// Date is a calendar day in UTC. Rates and traffic are day-granular; the
// canonical wire/storage form is "2006-01-02".
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses the canonical "2006-01-02" form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

func Today() Date {
	now := time.Now().UTC()
	return NewDate(now.Year(), now.Month(), now.Day())
}

func (d Date) normalize() time.Time {
	return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, time.UTC)
}

func (d Date) Before(other Date) bool        { return d.normalize().Before(other.normalize()) }
func (d Date) After(other Date) bool         { return d.normalize().After(other.normalize()) }
func (d Date) Equal(other Date) bool         { return d.normalize().Equal(other.normalize()) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }
func (d Date) IsZero() bool                  { return d.Time.IsZero() }

func (d Date) AddDays(n int) Date   { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) AddMonths(n int) Date { return Date{Time: d.Time.AddDate(0, n, 0)} }

func (d Date) String() string { return d.Time.Format("2006-01-02") }

// =============================================================================
// INTERVAL - Half-open validity window [From, To)
// =============================================================================

// Interval is a half-open validity window. To == nil means open-ended:
// "currently active, no known end".
type Interval struct {
	From Date
	To   *Date
}

func NewInterval(from Date, to *Date) Interval {
	return Interval{From: from, To: to}
}

// Open returns an open-ended interval starting at from.
func Open(from Date) Interval {
	return Interval{From: from}
}

// Closed returns a closed interval [from, to).
func Closed(from, to Date) Interval {
	end := to
	return Interval{From: from, To: &end}
}

func (iv Interval) IsOpenEnded() bool { return iv.To == nil }

// Validate rejects windows that end on or before they start.
func (iv Interval) Validate() error {
	if iv.From.IsZero() {
		return fmt.Errorf("%w: missing effective_from", ErrInvalidInterval)
	}
	if iv.To != nil && !iv.From.Before(*iv.To) {
		return fmt.Errorf("%w: effective_to %s not after effective_from %s",
			ErrInvalidInterval, iv.To, iv.From)
	}
	return nil
}

// Contains reports whether d falls inside the window: From <= d < To.
func (iv Interval) Contains(d Date) bool {
	if d.Before(iv.From) {
		return false
	}
	if iv.To != nil && d.AfterOrEqual(*iv.To) {
		return false
	}
	return true
}

// Overlaps reports whether two half-open windows intersect. Two open-ended
// windows always intersect; an interval ending exactly where another starts
// does not.
func (iv Interval) Overlaps(other Interval) bool {
	// iv starts before other ends
	startsBeforeOtherEnds := other.To == nil || iv.From.Before(*other.To)
	// other starts before iv ends
	otherStartsBeforeEnds := iv.To == nil || other.From.Before(*iv.To)
	return startsBeforeOtherEnds && otherStartsBeforeEnds
}

func (iv Interval) String() string {
	if iv.To == nil {
		return fmt.Sprintf("[%s, open)", iv.From)
	}
	return fmt.Sprintf("[%s, %s)", iv.From, iv.To)
}
