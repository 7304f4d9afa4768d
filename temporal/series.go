/*
series.go - In-memory versioned row collections

PURPOSE:
  Series holds the version history for a single key; Map keys many Series.
  These carry the reference semantics for the SQL store and back the
  in-memory fixtures used in engine tests.

  InsertVersioned computes the closure and the overlap check before touching
  any state, so a rejected insert leaves the series exactly as it was - the
  in-memory analog of running the whole operation in one transaction.

SEE ALSO:
  - interval.go: Interval/Date types and overlap math
  - store/sqlite: SQL rendition of the same contract
*/
package temporal

import "sort"

// =============================================================================
// ROW - One version of a value
// =============================================================================

// Row is one version of a value. Priority participates in as-of lookups
// (lowest wins); tables without a priority notion leave it zero.
type Row[V any] struct {
	ID       int64
	Interval Interval
	Priority int
	Value    V
}

// =============================================================================
// SERIES - Version history for a single key
// =============================================================================

type Series[V any] struct {
	rows   []Row[V]
	nextID int64
}

func NewSeries[V any]() *Series[V] {
	return &Series[V]{nextID: 1}
}

// InsertVersioned applies the versioned-insert contract:
//  1. close an open-ended row whose From precedes the new window
//  2. reject if any row still intersects the new window (*OverlapError)
//  3. append the new row
//
// The contract is scoped per priority level: rows with a different priority
// are parallel candidates (routing keeps a primary and a backup valid over
// the same dates), not schedule conflicts. A rejected insert leaves the
// series untouched.
func (s *Series[V]) InsertVersioned(iv Interval, priority int, value V) (Row[V], error) {
	if err := iv.Validate(); err != nil {
		return Row[V]{}, err
	}

	// Step 1 (computed, not yet applied): the open-ended predecessor closes
	// at the new window's start.
	closeIdx := -1
	for i, r := range s.rows {
		if r.Priority == priority && r.Interval.IsOpenEnded() && r.Interval.From.Before(iv.From) {
			closeIdx = i
			break
		}
	}

	// Step 2: overlap check against the post-closure picture.
	var conflicts []int64
	for i, r := range s.rows {
		if r.Priority != priority {
			continue
		}
		candidate := r.Interval
		if i == closeIdx {
			candidate = Closed(candidate.From, iv.From)
		}
		if candidate.Overlaps(iv) {
			conflicts = append(conflicts, r.ID)
		}
	}
	if len(conflicts) > 0 {
		return Row[V]{}, &OverlapError{ConflictingIDs: conflicts}
	}

	// Step 3: apply closure and insert.
	if closeIdx >= 0 {
		s.rows[closeIdx].Interval = Closed(s.rows[closeIdx].Interval.From, iv.From)
	}
	row := Row[V]{ID: s.nextID, Interval: iv, Priority: priority, Value: value}
	s.nextID++
	s.rows = append(s.rows, row)
	return row, nil
}

// EffectiveAt returns the row valid at d, preferring lowest priority and then
// the most recent From. Absence is a normal outcome, not an error.
func (s *Series[V]) EffectiveAt(d Date) *Row[V] {
	var best *Row[V]
	for i := range s.rows {
		r := &s.rows[i]
		if !r.Interval.Contains(d) {
			continue
		}
		if best == nil ||
			r.Priority < best.Priority ||
			(r.Priority == best.Priority && r.Interval.From.After(best.Interval.From)) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// Rows returns a copy of the history ordered by From.
func (s *Series[V]) Rows() []Row[V] {
	out := make([]Row[V], len(s.rows))
	copy(out, s.rows)
	sort.Slice(out, func(i, j int) bool { return out[i].Interval.From.Before(out[j].Interval.From) })
	return out
}

// CheckInvariants verifies the two series invariants within each priority
// level: at most one open-ended row, and no two intervals intersect. Used by
// tests after insert sequences.
func (s *Series[V]) CheckInvariants() error {
	openByPriority := make(map[int][]int64)
	for _, r := range s.rows {
		if r.Interval.IsOpenEnded() {
			openByPriority[r.Priority] = append(openByPriority[r.Priority], r.ID)
		}
	}
	for _, ids := range openByPriority {
		if len(ids) > 1 {
			return &OverlapError{ConflictingIDs: ids}
		}
	}
	for i := range s.rows {
		for j := i + 1; j < len(s.rows); j++ {
			if s.rows[i].Priority != s.rows[j].Priority {
				continue
			}
			if s.rows[i].Interval.Overlaps(s.rows[j].Interval) {
				return &OverlapError{ConflictingIDs: []int64{s.rows[i].ID, s.rows[j].ID}}
			}
		}
	}
	return nil
}

// =============================================================================
// MAP - Keyed collection of series
// =============================================================================

// Map keys many version histories, e.g. by (vendor, country, channel, use case).
type Map[K comparable, V any] struct {
	series map[K]*Series[V]
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{series: make(map[K]*Series[V])}
}

func (m *Map[K, V]) InsertVersioned(key K, iv Interval, priority int, value V) (Row[V], error) {
	s, ok := m.series[key]
	if !ok {
		s = NewSeries[V]()
		m.series[key] = s
	}
	return s.InsertVersioned(iv, priority, value)
}

func (m *Map[K, V]) EffectiveAt(key K, d Date) *Row[V] {
	s, ok := m.series[key]
	if !ok {
		return nil
	}
	return s.EffectiveAt(d)
}

func (m *Map[K, V]) Series(key K) *Series[V] {
	return m.series[key]
}
