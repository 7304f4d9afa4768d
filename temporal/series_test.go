package temporal_test

import (
	"errors"
	"testing"
	"time"

	"github.com/warp/margin-engine/temporal"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(year int, month time.Month, day int) temporal.Date {
	return temporal.NewDate(year, month, day)
}

func open(from temporal.Date) temporal.Interval {
	return temporal.Open(from)
}

func closed(from, to temporal.Date) temporal.Interval {
	return temporal.Closed(from, to)
}

// =============================================================================
// INTERVAL SEMANTICS
// =============================================================================

func TestInterval_HalfOpen_Contains(t *testing.T) {
	// [Jan 1, Feb 1): Jan 31 in, Feb 1 out
	iv := closed(d(2025, time.January, 1), d(2025, time.February, 1))

	if !iv.Contains(d(2025, time.January, 1)) {
		t.Error("start date should be contained")
	}
	if !iv.Contains(d(2025, time.January, 31)) {
		t.Error("last day before end should be contained")
	}
	if iv.Contains(d(2025, time.February, 1)) {
		t.Error("end date is exclusive")
	}
}

func TestInterval_AdjacentWindows_DoNotOverlap(t *testing.T) {
	// [Jan, Mar) and [Mar, open) touch at Mar 1 but share no date
	a := closed(d(2025, time.January, 1), d(2025, time.March, 1))
	b := open(d(2025, time.March, 1))

	if a.Overlaps(b) || b.Overlaps(a) {
		t.Error("adjacent intervals must not overlap")
	}
}

func TestInterval_OpenEnded_OverlapsEverythingLater(t *testing.T) {
	a := open(d(2025, time.January, 1))
	b := closed(d(2026, time.June, 1), d(2026, time.July, 1))

	if !a.Overlaps(b) {
		t.Error("open-ended interval covers all later windows")
	}
}

func TestInterval_Validate_RejectsEmptyAndInverted(t *testing.T) {
	same := closed(d(2025, time.March, 1), d(2025, time.March, 1))
	if err := same.Validate(); !errors.Is(err, temporal.ErrInvalidInterval) {
		t.Errorf("empty interval should be invalid, got %v", err)
	}

	inverted := closed(d(2025, time.March, 2), d(2025, time.March, 1))
	if err := inverted.Validate(); !errors.Is(err, temporal.ErrInvalidInterval) {
		t.Errorf("inverted interval should be invalid, got %v", err)
	}
}

// =============================================================================
// VERSIONED INSERT CONTRACT
// =============================================================================

func TestSeries_InsertVersioned_ClosesOpenEndedPredecessor(t *testing.T) {
	// GIVEN: an open-ended rate from Jan 1
	s := temporal.NewSeries[string]()
	first, err := s.InsertVersioned(open(d(2025, time.January, 1)), 0, "old")
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	// WHEN: a new open-ended version starts Mar 1
	_, err = s.InsertVersioned(open(d(2025, time.March, 1)), 0, "new")
	if err != nil {
		t.Fatalf("superseding insert failed: %v", err)
	}

	// THEN: the predecessor now ends exactly at Mar 1
	rows := s.Rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ID != first.ID {
		t.Fatalf("unexpected row order")
	}
	if rows[0].Interval.To == nil || !rows[0].Interval.To.Equal(d(2025, time.March, 1)) {
		t.Errorf("predecessor should close at new start, got %v", rows[0].Interval)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Errorf("invariants violated: %v", err)
	}
}

func TestSeries_InsertVersioned_RejectsOverlapAndLeavesStateUntouched(t *testing.T) {
	// GIVEN: a closed window [Jan, Jun)
	s := temporal.NewSeries[string]()
	existing, err := s.InsertVersioned(closed(d(2025, time.January, 1), d(2025, time.June, 1)), 0, "q1q2")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// WHEN: inserting [Mar, Apr), inside the existing window
	_, err = s.InsertVersioned(closed(d(2025, time.March, 1), d(2025, time.April, 1)), 0, "mar")

	// THEN: rejected with the conflicting ID, and nothing changed
	var overlap *temporal.OverlapError
	if !errors.As(err, &overlap) {
		t.Fatalf("expected OverlapError, got %v", err)
	}
	if !errors.Is(err, temporal.ErrOverlap) {
		t.Error("OverlapError should unwrap to ErrOverlap")
	}
	if len(overlap.ConflictingIDs) != 1 || overlap.ConflictingIDs[0] != existing.ID {
		t.Errorf("expected conflict with row %d, got %v", existing.ID, overlap.ConflictingIDs)
	}
	if got := len(s.Rows()); got != 1 {
		t.Errorf("rejected insert must not mutate the series, have %d rows", got)
	}
}

func TestSeries_InsertVersioned_RetryAfterSupersede_Rejected(t *testing.T) {
	// Re-running the same insert is not idempotent: the first run closed the
	// predecessor and inserted, so the second run conflicts with its own row.
	s := temporal.NewSeries[string]()
	if _, err := s.InsertVersioned(open(d(2025, time.January, 1)), 0, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertVersioned(open(d(2025, time.March, 1)), 0, "v2"); err != nil {
		t.Fatal(err)
	}

	_, err := s.InsertVersioned(open(d(2025, time.March, 1)), 0, "v2-again")
	if !errors.Is(err, temporal.ErrOverlap) {
		t.Errorf("replayed insert should conflict, got %v", err)
	}
}

func TestSeries_InsertVersioned_EarlierOpenEndedRow_NotClosed(t *testing.T) {
	// An open-ended row starting AFTER the new window must not be silently
	// closed; it is a conflict.
	s := temporal.NewSeries[string]()
	if _, err := s.InsertVersioned(open(d(2025, time.June, 1)), 0, "later"); err != nil {
		t.Fatal(err)
	}

	_, err := s.InsertVersioned(closed(d(2025, time.January, 1), d(2025, time.December, 1)), 0, "earlier")
	if !errors.Is(err, temporal.ErrOverlap) {
		t.Errorf("expected overlap with the later open-ended row, got %v", err)
	}
}

// =============================================================================
// AS-OF LOOKUPS
// =============================================================================

func TestSeries_EffectiveAt_BoundaryBelongsToNewVersion(t *testing.T) {
	s := temporal.NewSeries[string]()
	if _, err := s.InsertVersioned(open(d(2025, time.January, 1)), 0, "old"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertVersioned(open(d(2025, time.March, 1)), 0, "new"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		date temporal.Date
		want string
	}{
		{d(2025, time.February, 28), "old"},
		{d(2025, time.March, 1), "new"}, // boundary date
		{d(2025, time.March, 2), "new"},
	}
	for _, c := range cases {
		row := s.EffectiveAt(c.date)
		if row == nil {
			t.Fatalf("no row effective at %s", c.date)
		}
		if row.Value != c.want {
			t.Errorf("at %s: want %q, got %q", c.date, c.want, row.Value)
		}
	}
}

func TestSeries_EffectiveAt_BeforeAllRows_ReturnsNil(t *testing.T) {
	s := temporal.NewSeries[string]()
	if _, err := s.InsertVersioned(open(d(2025, time.June, 1)), 0, "v"); err != nil {
		t.Fatal(err)
	}
	if row := s.EffectiveAt(d(2025, time.May, 31)); row != nil {
		t.Errorf("expected nil before first window, got %+v", row)
	}
}

func TestSeries_EffectiveAt_LowestPriorityWins(t *testing.T) {
	// GIVEN: a backup (priority 2) and a primary (priority 1) route, both
	// valid over the same dates. Different priorities never conflict.
	s := temporal.NewSeries[string]()
	if _, err := s.InsertVersioned(open(d(2025, time.January, 1)), 2, "backup"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertVersioned(open(d(2025, time.January, 1)), 1, "primary"); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("parallel priorities should satisfy invariants: %v", err)
	}

	row := s.EffectiveAt(d(2025, time.June, 1))
	if row == nil || row.Value != "primary" {
		t.Errorf("expected primary route, got %+v", row)
	}
}

func TestSeries_EffectiveAt_PriorityTie_MostRecentFromWins(t *testing.T) {
	s := temporal.NewSeries[string]()
	if _, err := s.InsertVersioned(open(d(2025, time.January, 1)), 1, "old"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertVersioned(open(d(2025, time.March, 1)), 1, "new"); err != nil {
		t.Fatal(err)
	}

	// After the closure only "new" contains June.
	row := s.EffectiveAt(d(2025, time.June, 1))
	if row == nil || row.Value != "new" {
		t.Errorf("expected most recent version, got %+v", row)
	}
}
