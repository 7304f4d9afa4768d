// Package memory provides in-memory implementations of the margin engine's
// storage interfaces, for tests and development. The temporal tables are
// backed by temporal.Map so the versioned-insert contract matches the SQL
// store; the ledger is a guarded append-only slice.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/margin-engine/margin"
	"github.com/warp/margin-engine/temporal"
)

type rateKey struct {
	PartyID     int64
	CountryCode string
	Channel     margin.Channel
	UseCase     margin.UseCase
}

type fxKey struct {
	From string
	To   string
}

// Store implements the margin source, traffic, ledger and batch status
// interfaces in memory.
type Store struct {
	mu sync.RWMutex

	vendorRates *temporal.Map[rateKey, margin.VendorRate]
	clientRates *temporal.Map[rateKey, margin.ClientRate]
	routing     *temporal.Map[rateKey, margin.RoutingAssignment]
	fxRates     *temporal.Map[fxKey, margin.FxRate]

	traffic       map[int64][]margin.TrafficRecord
	nextTrafficID int64

	ledger       []margin.LedgerEntry
	nextLedgerID int64
	failAppends  bool

	batchStatus map[int64]margin.BatchStatus
}

func New() *Store {
	return &Store{
		vendorRates:  temporal.NewMap[rateKey, margin.VendorRate](),
		clientRates:  temporal.NewMap[rateKey, margin.ClientRate](),
		routing:      temporal.NewMap[rateKey, margin.RoutingAssignment](),
		fxRates:      temporal.NewMap[fxKey, margin.FxRate](),
		traffic:       make(map[int64][]margin.TrafficRecord),
		nextTrafficID: 1,
		batchStatus:   make(map[int64]margin.BatchStatus),
		nextLedgerID:  1,
	}
}

// =============================================================================
// VERSIONED INSERTS
// =============================================================================

func (s *Store) AddVendorRate(r margin.VendorRate) (margin.VendorRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.vendorRates.InsertVersioned(
		rateKey{r.VendorID, r.CountryCode, r.Channel, r.UseCase}, r.Interval, 0, r)
	if err != nil {
		return margin.VendorRate{}, err
	}
	r.ID = row.ID
	return r, nil
}

func (s *Store) AddClientRate(r margin.ClientRate) (margin.ClientRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.clientRates.InsertVersioned(
		rateKey{r.ClientID, r.CountryCode, r.Channel, r.UseCase}, r.Interval, 0, r)
	if err != nil {
		return margin.ClientRate{}, err
	}
	r.ID = row.ID
	return r, nil
}

func (s *Store) AddRouting(r margin.RoutingAssignment) (margin.RoutingAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.routing.InsertVersioned(
		rateKey{r.ClientID, r.CountryCode, r.Channel, r.UseCase}, r.Interval, r.Priority, r)
	if err != nil {
		return margin.RoutingAssignment{}, err
	}
	r.ID = row.ID
	return r, nil
}

func (s *Store) AddFxRate(r margin.FxRate) (margin.FxRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.fxRates.InsertVersioned(
		fxKey{r.FromCurrency, r.ToCurrency}, r.Interval, 0, r)
	if err != nil {
		return margin.FxRate{}, err
	}
	r.ID = row.ID
	return r, nil
}

// =============================================================================
// AS-OF LOOKUPS
// =============================================================================

func (s *Store) EffectiveVendorRate(_ context.Context, vendorID int64, countryCode string, ch margin.Channel, uc margin.UseCase, asOf temporal.Date) (*margin.VendorRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.vendorRates.EffectiveAt(rateKey{vendorID, countryCode, ch, uc}, asOf)
	if row == nil {
		return nil, nil
	}
	r := row.Value
	r.ID = row.ID
	return &r, nil
}

func (s *Store) EffectiveClientRate(_ context.Context, clientID int64, countryCode string, ch margin.Channel, uc margin.UseCase, asOf temporal.Date) (*margin.ClientRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.clientRates.EffectiveAt(rateKey{clientID, countryCode, ch, uc}, asOf)
	if row == nil {
		return nil, nil
	}
	r := row.Value
	r.ID = row.ID
	return &r, nil
}

func (s *Store) EffectiveRouting(_ context.Context, clientID int64, countryCode string, ch margin.Channel, uc margin.UseCase, asOf temporal.Date) (*margin.RoutingAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.routing.EffectiveAt(rateKey{clientID, countryCode, ch, uc}, asOf)
	if row == nil {
		return nil, nil
	}
	r := row.Value
	r.ID = row.ID
	return &r, nil
}

func (s *Store) EffectiveFx(_ context.Context, fromCurrency, toCurrency string, asOf temporal.Date) (*margin.FxRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.fxRates.EffectiveAt(fxKey{fromCurrency, toCurrency}, asOf)
	if row == nil {
		return nil, nil
	}
	r := row.Value
	r.ID = row.ID
	return &r, nil
}

// =============================================================================
// TRAFFIC
// =============================================================================

func (s *Store) AddTraffic(t margin.TrafficRecord) margin.TrafficRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = s.nextTrafficID
	s.nextTrafficID++
	s.traffic[t.BatchID] = append(s.traffic[t.BatchID], t)
	return t
}

func (s *Store) TrafficByBatch(_ context.Context, batchID int64) ([]margin.TrafficRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]margin.TrafficRecord, len(s.traffic[batchID]))
	copy(out, s.traffic[batchID])
	return out, nil
}

// =============================================================================
// LEDGER - append-only
// =============================================================================

// SetAppendFailure toggles a simulated commit failure on subsequent appends,
// for chunk-failure tests.
func (s *Store) SetAppendFailure(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppends = fail
}

func (s *Store) AppendChunk(_ context.Context, entries []margin.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppends {
		return fmt.Errorf("simulated commit failure")
	}
	for _, e := range entries {
		e.ID = s.nextLedgerID
		s.nextLedgerID++
		s.ledger = append(s.ledger, e)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id int64) (*margin.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.ledger {
		if s.ledger[i].ID == id {
			e := s.ledger[i]
			return &e, nil
		}
	}
	return nil, margin.ErrEntryNotFound
}

func (s *Store) Reverse(_ context.Context, id int64, reason string) (*margin.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var original *margin.LedgerEntry
	for i := range s.ledger {
		if s.ledger[i].ID == id {
			original = &s.ledger[i]
		}
		if s.ledger[i].IsReversal && s.ledger[i].OriginalEntryID != nil && *s.ledger[i].OriginalEntryID == id {
			return nil, margin.ErrAlreadyReversed
		}
	}
	if original == nil {
		return nil, margin.ErrEntryNotFound
	}
	if original.IsReversal {
		return nil, margin.ErrReverseReversal
	}

	reversal := original.Reversal(reason)
	reversal.ID = s.nextLedgerID
	s.nextLedgerID++
	s.ledger = append(s.ledger, reversal)
	return &reversal, nil
}

// Entries returns a copy of the ledger, in append order.
func (s *Store) Entries() []margin.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]margin.LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out
}

// =============================================================================
// BATCH STATUS
// =============================================================================

func (s *Store) MarkBatchComputed(_ context.Context, batchID int64, status margin.BatchStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchStatus[batchID] = status
	return nil
}

// BatchStatus returns the recorded outcome for a batch, if any.
func (s *Store) BatchStatus(batchID int64) (margin.BatchStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.batchStatus[batchID]
	return st, ok
}
