/*
ledger.go - Immutable margin ledger

PURPOSE:
  The ledger is append-only and the database enforces it: BEFORE UPDATE /
  BEFORE DELETE triggers abort, and this package exposes no update or
  delete methods. Corrections happen through Reverse, which appends a
  sign-negated copy linked to the original in one transaction.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no Update, no Delete. Ever.
  2. A reversal always references its original (CHECK constraint).
  3. At most one reversal per original (partial unique index).

SEE ALSO:
  - margin/types.go: LedgerEntry and its Reversal method
  - sqlite.go: triggers and schema
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/margin-engine/margin"
	"github.com/warp/margin-engine/temporal"
)

// AppendChunk persists entries atomically: all or none. This is the write
// path used by the engine, one call per compute chunk.
func (s *Store) AppendChunk(ctx context.Context, entries []margin.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := insertLedgerEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertLedgerEntry(ctx context.Context, tx *sql.Tx, e margin.LedgerEntry) (int64, error) {
	var fxRate sql.NullString
	if e.FxRate != nil {
		fxRate = sql.NullString{String: e.FxRate.String(), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO margin_ledger (
			traffic_record_id, client_id, vendor_id, country_code, channel, use_case,
			traffic_date, setup_count, monthly_count, mt_count, mo_count, message_count,
			vendor_rate_id, vendor_setup_fee, vendor_monthly_fee, vendor_mt_fee, vendor_mo_fee,
			vendor_currency, vendor_cost, vendor_rate_per_message,
			client_rate_id, client_setup_fee, client_monthly_fee, client_mt_fee, client_mo_fee,
			client_currency, client_revenue, client_rate_per_message,
			fx_rate_id, fx_rate, normalized_vendor_cost, normalized_currency,
			margin, is_reversal, original_entry_id, reversal_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt(e.TrafficRecordID), e.ClientID, e.VendorID, e.CountryCode, string(e.Channel), string(e.UseCase),
		e.TrafficDate.String(), e.SetupCount, e.MonthlyCount, e.MTCount, e.MOCount, e.MessageCount,
		nullInt(e.VendorRateID), e.VendorFees.Setup.String(), e.VendorFees.Monthly.String(),
		e.VendorFees.MT.String(), e.VendorFees.MO.String(),
		e.VendorCurrency, e.VendorCost.String(), e.VendorRatePerMessage.String(),
		nullInt(e.ClientRateID), e.ClientFees.Setup.String(), e.ClientFees.Monthly.String(),
		e.ClientFees.MT.String(), e.ClientFees.MO.String(),
		e.ClientCurrency, e.ClientRevenue.String(), e.ClientRatePerMessage.String(),
		nullInt(e.FxRateID), fxRate, e.NormalizedCost.String(), e.NormalizedCurrency,
		e.Margin.String(), boolInt(e.IsReversal), nullInt(e.OriginalEntryID), nullString(e.ReversalReason),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idx_ledger_one_reversal") {
			return 0, margin.ErrAlreadyReversed
		}
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return res.LastInsertId()
}

// Get loads one ledger entry.
func (s *Store) Get(ctx context.Context, id int64) (*margin.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLedgerEntry(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getLedgerEntry(ctx context.Context, q queryer, id int64) (*margin.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ledgerCols+` FROM margin_ledger WHERE id = ?`, id)
	e, err := scanLedgerEntry(row)
	if err == sql.ErrNoRows {
		return nil, margin.ErrEntryNotFound
	}
	return e, err
}

// Reverse appends the sign-negated copy of an entry. Runs the lookup, the
// guard checks and the insert in one transaction. The only sanctioned way
// to correct a ledger mistake.
func (s *Store) Reverse(ctx context.Context, id int64, reason string) (*margin.LedgerEntry, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &margin.ValidationError{Field: "reason", Message: "is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	original, err := s.getLedgerEntry(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if original.IsReversal {
		return nil, margin.ErrReverseReversal
	}

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM margin_ledger WHERE original_entry_id = ? AND is_reversal = 1`, id,
	).Scan(&existing)
	if err == nil {
		return nil, fmt.Errorf("%w: entry %d reversed by entry %d", margin.ErrAlreadyReversed, id, existing)
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	newID, err := insertLedgerEntry(ctx, tx, original.Reversal(reason))
	if err != nil {
		return nil, err
	}
	reversal, err := s.getLedgerEntry(ctx, tx, newID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reversal: %w", err)
	}
	return reversal, nil
}

// =============================================================================
// LISTING
// =============================================================================

type LedgerFilter struct {
	ClientID    *int64
	VendorID    *int64
	CountryCode string
	Channel     margin.Channel
	DateFrom    *temporal.Date
	DateTo      *temporal.Date

	// Reversal rows are included by default.
	ExcludeReversals bool
}

func (s *Store) ListLedger(ctx context.Context, f LedgerFilter, pr PageRequest) (*Page[margin.LedgerEntry], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "WHERE 1=1"
	var args []any
	if f.ClientID != nil {
		where += " AND client_id = ?"
		args = append(args, *f.ClientID)
	}
	if f.VendorID != nil {
		where += " AND vendor_id = ?"
		args = append(args, *f.VendorID)
	}
	if f.CountryCode != "" {
		where += " AND country_code = ?"
		args = append(args, f.CountryCode)
	}
	if f.Channel != "" {
		where += " AND channel = ?"
		args = append(args, string(f.Channel))
	}
	if f.DateFrom != nil {
		where += " AND traffic_date >= ?"
		args = append(args, f.DateFrom.String())
	}
	if f.DateTo != nil {
		where += " AND traffic_date <= ?"
		args = append(args, f.DateTo.String())
	}
	if f.ExcludeReversals {
		where += " AND is_reversal = 0"
	}

	page, size, offset := pr.normalize()
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM margin_ledger "+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ledgerCols+` FROM margin_ledger `+where+
			` ORDER BY traffic_date DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, size, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []margin.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return newPage(out, total, page, size), nil
}

// MarginSummaryRow is one aggregation bucket for reporting.
type MarginSummaryRow struct {
	ClientID      int64  `json:"clientId"`
	VendorID      int64  `json:"vendorId"`
	CountryCode   string `json:"countryCode"`
	VendorCost    string `json:"vendorCost"`
	ClientRevenue string `json:"clientRevenue"`
	Margin        string `json:"margin"`
	EntryCount    int    `json:"entryCount"`
}

// MarginSummary aggregates ledger entries (reversals included, so reversed
// mistakes net out) by client, vendor and country over a date range.
func (s *Store) MarginSummary(ctx context.Context, from, to temporal.Date) ([]MarginSummaryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Money columns are decimal strings; CAST to REAL is acceptable for
	// reporting aggregates, never for ledger writes.
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, vendor_id, country_code,
		       ROUND(SUM(CAST(normalized_vendor_cost AS REAL)), 6),
		       ROUND(SUM(CAST(client_revenue AS REAL)), 6),
		       ROUND(SUM(CAST(margin AS REAL)), 6),
		       COUNT(*)
		FROM margin_ledger
		WHERE traffic_date >= ? AND traffic_date <= ?
		GROUP BY client_id, vendor_id, country_code
		ORDER BY client_id, vendor_id, country_code`,
		from.String(), to.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MarginSummaryRow
	for rows.Next() {
		var r MarginSummaryRow
		var cost, revenue, m float64
		if err := rows.Scan(&r.ClientID, &r.VendorID, &r.CountryCode, &cost, &revenue, &m, &r.EntryCount); err != nil {
			return nil, err
		}
		r.VendorCost = fmt.Sprintf("%.6f", cost)
		r.ClientRevenue = fmt.Sprintf("%.6f", revenue)
		r.Margin = fmt.Sprintf("%.6f", m)
		out = append(out, r)
	}
	return out, rows.Err()
}

const ledgerCols = `id, traffic_record_id, client_id, vendor_id, country_code, channel, use_case,
	traffic_date, setup_count, monthly_count, mt_count, mo_count, message_count,
	vendor_rate_id, vendor_setup_fee, vendor_monthly_fee, vendor_mt_fee, vendor_mo_fee,
	vendor_currency, vendor_cost, vendor_rate_per_message,
	client_rate_id, client_setup_fee, client_monthly_fee, client_mt_fee, client_mo_fee,
	client_currency, client_revenue, client_rate_per_message,
	fx_rate_id, fx_rate, normalized_vendor_cost, normalized_currency,
	margin, calculated_at, is_reversal, original_entry_id, reversal_reason`

func scanLedgerEntry(row interface{ Scan(...any) error }) (*margin.LedgerEntry, error) {
	var (
		e                                          margin.LedgerEntry
		channel, useCase, trafficDate              string
		trafficRecordID, vendorRateID              sql.NullInt64
		clientRateID, fxRateID, originalEntryID    sql.NullInt64
		vSetup, vMonthly, vMT, vMO, vCost, vPerMsg string
		cSetup, cMonthly, cMT, cMO, cRev, cPerMsg  string
		fxRate, reversalReason                     sql.NullString
		normalizedCost, marginStr, calculatedAt    string
		isReversal                                 int
	)

	err := row.Scan(&e.ID, &trafficRecordID, &e.ClientID, &e.VendorID, &e.CountryCode, &channel, &useCase,
		&trafficDate, &e.SetupCount, &e.MonthlyCount, &e.MTCount, &e.MOCount, &e.MessageCount,
		&vendorRateID, &vSetup, &vMonthly, &vMT, &vMO,
		&e.VendorCurrency, &vCost, &vPerMsg,
		&clientRateID, &cSetup, &cMonthly, &cMT, &cMO,
		&e.ClientCurrency, &cRev, &cPerMsg,
		&fxRateID, &fxRate, &normalizedCost, &e.NormalizedCurrency,
		&marginStr, &calculatedAt, &isReversal, &originalEntryID, &reversalReason)
	if err != nil {
		return nil, err
	}

	e.TrafficRecordID = intPtr(trafficRecordID)
	e.Channel = margin.Channel(channel)
	e.UseCase = margin.UseCase(useCase)
	e.TrafficDate = mustDate(trafficDate)
	e.VendorRateID = intPtr(vendorRateID)
	e.VendorFees = margin.FeeSchedule{
		Setup: mustDecimal(vSetup), Monthly: mustDecimal(vMonthly),
		MT: mustDecimal(vMT), MO: mustDecimal(vMO),
	}
	e.VendorCost = mustDecimal(vCost)
	e.VendorRatePerMessage = mustDecimal(vPerMsg)
	e.ClientRateID = intPtr(clientRateID)
	e.ClientFees = margin.FeeSchedule{
		Setup: mustDecimal(cSetup), Monthly: mustDecimal(cMonthly),
		MT: mustDecimal(cMT), MO: mustDecimal(cMO),
	}
	e.ClientRevenue = mustDecimal(cRev)
	e.ClientRatePerMessage = mustDecimal(cPerMsg)
	e.FxRateID = intPtr(fxRateID)
	if fxRate.Valid {
		d := mustDecimal(fxRate.String)
		e.FxRate = &d
	}
	e.NormalizedCost = mustDecimal(normalizedCost)
	e.Margin = mustDecimal(marginStr)
	e.CalculatedAt = parseTime(calculatedAt)
	e.IsReversal = isReversal != 0
	e.OriginalEntryID = intPtr(originalEntryID)
	e.ReversalReason = reversalReason.String
	return &e, nil
}
