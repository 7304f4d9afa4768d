package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/margin-engine/country"
	"github.com/warp/margin-engine/margin"
	"github.com/warp/margin-engine/temporal"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func date(y int, m time.Month, d int) temporal.Date {
	return temporal.NewDate(y, m, d)
}

// seedParties registers vendor 1 and client 1.
func seedParties(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateVendor(ctx, Vendor{Name: "Acme Carrier", Code: "ACME"})
	require.NoError(t, err)
	_, err = s.CreateClient(ctx, Client{Name: "Globex", Code: "GLOBEX"})
	require.NoError(t, err)
}

func testVendorRate(from temporal.Date, to *temporal.Date) margin.VendorRate {
	return margin.VendorRate{
		VendorID:    1,
		CountryCode: "US",
		Channel:     margin.ChannelSMS,
		UseCase:     margin.UseCaseDefault,
		Fees:        margin.FeeSchedule{MT: dec("0.05")},
		Currency:    "USD",
		Interval:    temporal.NewInterval(from, to),
	}
}

func testEntry(trafficDate temporal.Date) margin.LedgerEntry {
	return margin.LedgerEntry{
		ClientID:    1,
		VendorID:    1,
		CountryCode: "US",
		Channel:     margin.ChannelSMS,
		UseCase:     margin.UseCaseDefault,
		TrafficDate: trafficDate,

		MTCount:      100,
		MessageCount: 100,

		VendorFees:     margin.FeeSchedule{MT: dec("0.05")},
		VendorCurrency: "USD",
		VendorCost:     dec("5"),

		ClientFees:     margin.FeeSchedule{MT: dec("0.12")},
		ClientCurrency: "USD",
		ClientRevenue:  dec("12"),

		NormalizedCost:     dec("5"),
		NormalizedCurrency: "USD",
		Margin:             dec("7"),
	}
}

// =============================================================================
// VERSIONED INSERT CONTRACT (SQL RENDITION)
// =============================================================================

func TestInsertVendorRate_SupersedesOpenEndedPredecessor(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	// GIVEN: an open-ended rate from Jan 1
	first, err := s.InsertVendorRate(ctx, testVendorRate(date(2025, time.January, 1), nil))
	require.NoError(t, err)
	require.True(t, first.Interval.IsOpenEnded())

	// WHEN: a new open-ended version starts Mar 1
	second, err := s.InsertVendorRate(ctx, testVendorRate(date(2025, time.March, 1), nil))
	require.NoError(t, err)

	// THEN: the predecessor closes at exactly Mar 1
	reloaded, err := s.GetVendorRate(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Interval.To)
	assert.True(t, reloaded.Interval.To.Equal(date(2025, time.March, 1)))
	assert.True(t, second.Interval.IsOpenEnded())
}

func TestInsertVendorRate_OverlapRejectedAndRolledBack(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	open, err := s.InsertVendorRate(ctx, testVendorRate(date(2025, time.January, 1), nil))
	require.NoError(t, err)

	// WHEN: inserting a window that starts BEFORE the open row - the closure
	// step does not apply (predecessor does not precede it), so it conflicts
	earlier := date(2024, time.June, 1)
	end := date(2025, time.June, 1)
	_, err = s.InsertVendorRate(ctx, testVendorRate(earlier, &end))

	// THEN: OverlapError naming the row, and the open row is untouched
	var overlap *temporal.OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Contains(t, overlap.ConflictingIDs, open.ID)

	reloaded, err := s.GetVendorRate(ctx, open.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Interval.IsOpenEnded(), "rolled-back transaction must not close the predecessor")
}

func TestEffectiveVendorRate_BoundaryBelongsToNewVersion(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	old := testVendorRate(date(2025, time.January, 1), nil)
	old.Fees = margin.FeeSchedule{MT: dec("0.05")}
	_, err := s.InsertVendorRate(ctx, old)
	require.NoError(t, err)

	updated := testVendorRate(date(2025, time.March, 1), nil)
	updated.Fees = margin.FeeSchedule{MT: dec("0.07")}
	_, err = s.InsertVendorRate(ctx, updated)
	require.NoError(t, err)

	cases := []struct {
		day  temporal.Date
		want string
	}{
		{date(2025, time.February, 28), "0.05"},
		{date(2025, time.March, 1), "0.07"},
		{date(2025, time.April, 10), "0.07"},
	}
	for _, c := range cases {
		r, err := s.EffectiveVendorRate(ctx, 1, "US", margin.ChannelSMS, margin.UseCaseDefault, c.day)
		require.NoError(t, err)
		require.NotNil(t, r, "at %s", c.day)
		assert.True(t, r.Fees.MT.Equal(dec(c.want)), "at %s: want %s got %s", c.day, c.want, r.Fees.MT)
	}
}

func TestEffectiveVendorRate_AbsenceIsNil(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)

	r, err := s.EffectiveVendorRate(context.Background(), 1, "US", margin.ChannelSMS, margin.UseCaseDefault, date(2025, time.June, 1))
	require.NoError(t, err)
	assert.Nil(t, r, "absence is a normal outcome, not an error")
}

func TestInsertRouting_ParallelPrioritiesCoexist(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()
	_, err := s.CreateVendor(ctx, Vendor{Name: "Backup Carrier", Code: "BACKUP"})
	require.NoError(t, err)

	// GIVEN: a primary (priority 1) and a backup (priority 2) over the same window
	_, err = s.InsertRouting(ctx, margin.RoutingAssignment{
		ClientID: 1, CountryCode: "US", Channel: margin.ChannelSMS, UseCase: margin.UseCaseDefault,
		VendorID: 1, Priority: 1, Interval: temporal.Open(date(2025, time.January, 1)),
	})
	require.NoError(t, err)
	_, err = s.InsertRouting(ctx, margin.RoutingAssignment{
		ClientID: 1, CountryCode: "US", Channel: margin.ChannelSMS, UseCase: margin.UseCaseDefault,
		VendorID: 2, Priority: 2, Interval: temporal.Open(date(2025, time.January, 1)),
	})
	require.NoError(t, err, "different priorities are parallel candidates, not conflicts")

	// THEN: the as-of lookup picks the lowest priority
	r, err := s.EffectiveRouting(ctx, 1, "US", margin.ChannelSMS, margin.UseCaseDefault, date(2025, time.June, 1))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(1), r.VendorID)
	assert.Equal(t, 1, r.Priority)
}

func TestInsertFxRate_NormalizesAndValidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fx, err := s.InsertFxRate(ctx, margin.FxRate{
		FromCurrency: "eur", ToCurrency: "usd", Rate: dec("1.10"),
		Interval: temporal.Open(date(2025, time.January, 1)),
	})
	require.NoError(t, err)
	assert.Equal(t, "EUR", fx.FromCurrency)
	assert.Equal(t, "USD", fx.ToCurrency)

	_, err = s.InsertFxRate(ctx, margin.FxRate{
		FromCurrency: "USD", ToCurrency: "USD", Rate: dec("1"),
		Interval: temporal.Open(date(2025, time.January, 1)),
	})
	assert.True(t, margin.IsClientError(err), "same-currency pair must be rejected")

	_, err = s.InsertFxRate(ctx, margin.FxRate{
		FromCurrency: "EUR", ToCurrency: "GBP", Rate: dec("0"),
		Interval: temporal.Open(date(2025, time.January, 1)),
	})
	assert.True(t, margin.IsClientError(err), "non-positive rate must be rejected")
}

// =============================================================================
// LEDGER IMMUTABILITY - enforced by the database itself
// =============================================================================

func TestLedger_RawUpdateRejectedByTrigger(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	require.NoError(t, s.AppendChunk(ctx, []margin.LedgerEntry{testEntry(date(2025, time.March, 15))}))

	// Bypass the store API entirely: the trigger still aborts
	_, err := s.db.Exec(`UPDATE margin_ledger SET margin = '9999' WHERE id = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestLedger_RawDeleteRejectedByTrigger(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	require.NoError(t, s.AppendChunk(ctx, []margin.LedgerEntry{testEntry(date(2025, time.March, 15))}))

	_, err := s.db.Exec(`DELETE FROM margin_ledger WHERE id = 1`)
	require.Error(t, err)

	entry, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, entry.Margin.Equal(dec("7")))
}

func TestLedger_Reverse_FullCycle(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	require.NoError(t, s.AppendChunk(ctx, []margin.LedgerEntry{testEntry(date(2025, time.March, 15))}))

	reversal, err := s.Reverse(ctx, 1, "wrong rate sheet applied")
	require.NoError(t, err)
	assert.True(t, reversal.IsReversal)
	require.NotNil(t, reversal.OriginalEntryID)
	assert.Equal(t, int64(1), *reversal.OriginalEntryID)
	assert.True(t, reversal.Margin.Equal(dec("-7")))
	assert.Equal(t, int64(-100), reversal.MTCount)
	assert.Equal(t, "wrong rate sheet applied", reversal.ReversalReason)

	// Second reversal of the same entry
	_, err = s.Reverse(ctx, 1, "again")
	assert.ErrorIs(t, err, margin.ErrAlreadyReversed)

	// Reversing the reversal
	_, err = s.Reverse(ctx, reversal.ID, "undo")
	assert.ErrorIs(t, err, margin.ErrReverseReversal)

	// Missing entry
	_, err = s.Reverse(ctx, 999, "nothing there")
	assert.ErrorIs(t, err, margin.ErrEntryNotFound)

	// Blank reason
	_, err = s.Reverse(ctx, 1, "   ")
	assert.True(t, margin.IsClientError(err))
}

func TestLedger_AppendChunk_AtomicPerChunk(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	good := testEntry(date(2025, time.March, 15))
	bad := testEntry(date(2025, time.March, 16))
	// Violates the is_reversal CHECK: reversal without an original
	bad.IsReversal = true

	err := s.AppendChunk(ctx, []margin.LedgerEntry{good, bad})
	require.Error(t, err)

	page, err := s.ListLedger(ctx, LedgerFilter{}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total, "failed chunk must leave no partial writes")
}

func TestListLedger_FiltersAndPagination(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	var entries []margin.LedgerEntry
	for day := 1; day <= 5; day++ {
		entries = append(entries, testEntry(date(2025, time.March, day)))
	}
	require.NoError(t, s.AppendChunk(ctx, entries))
	_, err := s.Reverse(ctx, 1, "test reversal")
	require.NoError(t, err)

	// Reversals included by default
	page, err := s.ListLedger(ctx, LedgerFilter{}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 6, page.Total)

	// Excluded on request
	page, err = s.ListLedger(ctx, LedgerFilter{ExcludeReversals: true}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)

	// Date range
	from := date(2025, time.March, 2)
	to := date(2025, time.March, 3)
	page, err = s.ListLedger(ctx, LedgerFilter{DateFrom: &from, DateTo: &to, ExcludeReversals: true}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	// Pagination
	page, err = s.ListLedger(ctx, LedgerFilter{}, PageRequest{Page: 1, PageSize: 4})
	require.NoError(t, err)
	assert.Len(t, page.Data, 4)
	assert.Equal(t, 2, page.TotalPages)
}

func TestMarginSummary_ReversalsNetOut(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	require.NoError(t, s.AppendChunk(ctx, []margin.LedgerEntry{
		testEntry(date(2025, time.March, 15)),
		testEntry(date(2025, time.March, 16)),
	}))
	_, err := s.Reverse(ctx, 1, "bad upload")
	require.NoError(t, err)

	rows, err := s.MarginSummary(ctx, date(2025, time.March, 1), date(2025, time.March, 31))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "7.000000", rows[0].Margin, "one entry reversed, one stands")
	assert.Equal(t, 3, rows[0].EntryCount)
}

// =============================================================================
// COUNTRY REFERENCE DATA
// =============================================================================

func TestSeedCountries_IdempotentAndResolvable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	countries, err := s.Countries(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, countries)

	// Re-running migrate+seed on an existing database must not duplicate
	require.NoError(t, s.migrate())
	require.NoError(t, s.seedCountries(ctx))
	again, err := s.Countries(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(countries), len(again))

	// The seeded data drives the normalizer end to end
	n, err := country.New(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, "US", n.Resolve("United States").Code)
	assert.Equal(t, "US", n.Resolve("America").Code)
	assert.Equal(t, "GB", n.Resolve("UK").Code)
	assert.Equal(t, "NL", n.Resolve("Holland").Code)
}

func TestSaveAlias_DuplicateIsClientError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAlias(ctx, country.Alias{CountryCode: "DE", Alias: "Deutschland"}))
	err := s.SaveAlias(ctx, country.Alias{CountryCode: "DE", Alias: "deutschland"})
	assert.True(t, margin.IsClientError(err), "alias uniqueness is case-insensitive")
}

func TestPendingResolutions_ResolveWritesAlias(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// GIVEN: an unresolved raw name, recorded twice (second is a no-op)
	require.NoError(t, s.RecordPending(ctx, "Untied States", nil, "", nil))
	require.NoError(t, s.RecordPending(ctx, "Untied States", nil, "", nil))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// WHEN: an operator maps it to US
	resolved, err := s.ResolvePending(ctx, pending[0].ID, "US")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "US", resolved.ResolvedCode)

	// THEN: the queue is empty and the mapping became an alias
	pending, err = s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err := country.New(ctx, s, nil)
	require.NoError(t, err)
	m := n.Resolve("Untied States")
	assert.Equal(t, country.StatusExactAlias, m.Status)
	assert.Equal(t, "US", m.Code)

	// Resolving again is rejected
	_, err = s.ResolvePending(ctx, resolved.ID, "US")
	assert.True(t, margin.IsClientError(err))

	// Unknown country code is rejected
	require.NoError(t, s.RecordPending(ctx, "Somewhere", nil, "", nil))
	pending, err = s.ListPending(ctx)
	require.NoError(t, err)
	_, err = s.ResolvePending(ctx, pending[0].ID, "XX")
	assert.True(t, margin.IsClientError(err))
}

// =============================================================================
// TRAFFIC AND BATCHES
// =============================================================================

func TestTrafficRecords_ValidationAndBatchLoad(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	batch, err := s.CreateBatch(ctx, "traffic", "march.csv")
	require.NoError(t, err)
	assert.Equal(t, "pending", batch.Status)

	_, err = s.InsertTrafficRecord(ctx, margin.TrafficRecord{
		BatchID: batch.ID, ClientID: 1, CountryCode: "US",
		Channel: margin.ChannelSMS, UseCase: margin.UseCaseDefault,
		Date: date(2025, time.March, 15), MTCount: 100,
	})
	require.NoError(t, err)

	// All-zero counts rejected
	_, err = s.InsertTrafficRecord(ctx, margin.TrafficRecord{
		BatchID: batch.ID, ClientID: 1, CountryCode: "US",
		Channel: margin.ChannelSMS, UseCase: margin.UseCaseDefault,
		Date: date(2025, time.March, 15),
	})
	assert.True(t, margin.IsClientError(err))

	records, err := s.TrafficByBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(100), records[0].MTCount)
	assert.Equal(t, int64(100), records[0].MessageCount())
}

func TestMarkBatchComputed_RecordsOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch, err := s.CreateBatch(ctx, "traffic", "march.csv")
	require.NoError(t, err)

	require.NoError(t, s.MarkBatchComputed(ctx, batch.ID, margin.BatchCompletedWithErrors, "2 of 10 records failed"))

	reloaded, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed_with_errors", reloaded.Status)
	assert.Equal(t, "2 of 10 records failed", reloaded.ErrorSummary)
	assert.NotNil(t, reloaded.CompletedAt)
}

func TestCreateVendor_DuplicateCodeRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateVendor(ctx, Vendor{Name: "Acme", Code: "ACME"})
	require.NoError(t, err)
	_, err = s.CreateVendor(ctx, Vendor{Name: "Acme Again", Code: "ACME"})
	assert.True(t, margin.IsClientError(err))
}
