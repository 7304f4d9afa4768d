/*
rates.go - Vendor and client rate repositories

PURPOSE:
  Two concrete instances of the temporal pattern, keyed by
  (vendor, country, channel, use_case) and (client, country, channel,
  use_case). Writes go through insertVersioned (auto-close + overlap
  rejection, one transaction); reads are as-of-date lookups.

SEE ALSO:
  - sqlite.go: insertVersioned and the schema
  - margin/engine.go: the consumer of the Effective* read path
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/margin-engine/margin"
	"github.com/warp/margin-engine/temporal"
)

// =============================================================================
// PAGINATION
// =============================================================================

type PageRequest struct {
	Page     int
	PageSize int
}

func (p PageRequest) normalize() (page, size, offset int) {
	page = p.Page
	if page < 1 {
		page = 1
	}
	size = p.PageSize
	if size < 1 {
		size = 50
	}
	return page, size, (page - 1) * size
}

type Page[T any] struct {
	Data       []T `json:"data"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalPages int `json:"totalPages"`
}

func newPage[T any](data []T, total, page, size int) *Page[T] {
	pages := total / size
	if total%size != 0 {
		pages++
	}
	return &Page[T]{Data: data, Total: total, Page: page, PageSize: size, TotalPages: pages}
}

// =============================================================================
// VENDOR RATES
// =============================================================================

func validateRateKey(countryCode string, ch margin.Channel, uc margin.UseCase, fees margin.FeeSchedule) error {
	if countryCode == "" {
		return &margin.ValidationError{Field: "country_code", Message: "is required"}
	}
	if !ch.Valid() {
		return &margin.ValidationError{Field: "channel", Message: fmt.Sprintf("unknown channel %q", ch)}
	}
	if !uc.Valid() {
		return &margin.ValidationError{Field: "use_case", Message: fmt.Sprintf("unknown use case %q", uc)}
	}
	return fees.Validate()
}

// InsertVendorRate inserts a new rate version, superseding the current
// open-ended one. Schedule conflicts fail with *temporal.OverlapError.
func (s *Store) InsertVendorRate(ctx context.Context, r margin.VendorRate) (*margin.VendorRate, error) {
	if err := validateRateKey(r.CountryCode, r.Channel, r.UseCase, r.Fees); err != nil {
		return nil, err
	}

	id, err := s.insertVersioned(ctx, vendorRatesTable,
		[]any{r.VendorID, r.CountryCode, string(r.Channel), string(r.UseCase)},
		r.Interval,
		func(tx *sql.Tx) (int64, error) {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO vendor_rates
					(vendor_id, country_code, channel, use_case,
					 setup_fee, monthly_fee, mt_fee, mo_fee,
					 currency, discontinued, effective_from, effective_to, batch_id, notes)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.VendorID, r.CountryCode, string(r.Channel), string(r.UseCase),
				r.Fees.Setup.String(), r.Fees.Monthly.String(), r.Fees.MT.String(), r.Fees.MO.String(),
				r.Currency, boolInt(r.Discontinued), r.Interval.From.String(), intervalTo(r.Interval),
				nullInt(r.BatchID), nullString(r.Notes),
			)
			if err != nil {
				return 0, fmt.Errorf("failed to insert vendor rate: %w", err)
			}
			return res.LastInsertId()
		})
	if err != nil {
		return nil, err
	}
	return s.GetVendorRate(ctx, id)
}

// EffectiveVendorRate returns the rate valid as of the date, or nil when no
// version covers it.
func (s *Store) EffectiveVendorRate(ctx context.Context, vendorID int64, countryCode string, ch margin.Channel, uc margin.UseCase, asOf temporal.Date) (*margin.VendorRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+vendorRateCols+` FROM vendor_rates
		WHERE vendor_id = ? AND country_code = ? AND channel = ? AND use_case = ?
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to > ?)
		ORDER BY effective_from DESC
		LIMIT 1`,
		vendorID, countryCode, string(ch), string(uc), asOf.String(), asOf.String())

	r, err := scanVendorRate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) GetVendorRate(ctx context.Context, id int64) (*margin.VendorRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+vendorRateCols+` FROM vendor_rates WHERE id = ?`, id)
	r, err := scanVendorRate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

type VendorRateFilter struct {
	VendorID    *int64
	CountryCode string
	Channel     margin.Channel
	EffectiveOn *temporal.Date
}

// ListVendorRates returns a page of rate rows matching the filter.
func (s *Store) ListVendorRates(ctx context.Context, f VendorRateFilter, pr PageRequest) (*Page[margin.VendorRate], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "WHERE 1=1"
	var args []any
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
	if f.EffectiveOn != nil {
		where += " AND effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)"
		args = append(args, f.EffectiveOn.String(), f.EffectiveOn.String())
	}

	page, size, offset := pr.normalize()
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vendor_rates "+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+vendorRateCols+` FROM vendor_rates `+where+
			` ORDER BY effective_from DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, size, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []margin.VendorRate
	for rows.Next() {
		r, err := scanVendorRate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return newPage(out, total, page, size), nil
}

const vendorRateCols = `id, vendor_id, country_code, channel, use_case,
	setup_fee, monthly_fee, mt_fee, mo_fee, currency, discontinued,
	effective_from, effective_to, batch_id, notes`

func scanVendorRate(row interface{ Scan(...any) error }) (*margin.VendorRate, error) {
	var (
		r                                  margin.VendorRate
		channel, useCase                   string
		setup, monthly, mt, mo             string
		discontinued                       int
		from                               string
		to, notes                          sql.NullString
		batchID                            sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.VendorID, &r.CountryCode, &channel, &useCase,
		&setup, &monthly, &mt, &mo, &r.Currency, &discontinued,
		&from, &to, &batchID, &notes)
	if err != nil {
		return nil, err
	}
	r.Channel = margin.Channel(channel)
	r.UseCase = margin.UseCase(useCase)
	r.Fees = margin.FeeSchedule{
		Setup:   mustDecimal(setup),
		Monthly: mustDecimal(monthly),
		MT:      mustDecimal(mt),
		MO:      mustDecimal(mo),
	}
	r.Discontinued = discontinued != 0
	r.Interval = scanInterval(from, to)
	r.BatchID = intPtr(batchID)
	r.Notes = notes.String
	return &r, nil
}

// DiscontinueVendorRate marks a vendor rate as discontinued. Unlike ledger
// rows, rate rows stay mutable on this one advisory flag.
func (s *Store) DiscontinueVendorRate(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE vendor_rates SET discontinued = 1, updated_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("vendor rate %d not found", id)
	}
	return nil
}

// =============================================================================
// CLIENT RATES
// =============================================================================

// InsertClientRate inserts a new rate version for a client.
func (s *Store) InsertClientRate(ctx context.Context, r margin.ClientRate) (*margin.ClientRate, error) {
	if err := validateRateKey(r.CountryCode, r.Channel, r.UseCase, r.Fees); err != nil {
		return nil, err
	}

	id, err := s.insertVersioned(ctx, clientRatesTable,
		[]any{r.ClientID, r.CountryCode, string(r.Channel), string(r.UseCase)},
		r.Interval,
		func(tx *sql.Tx) (int64, error) {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO client_rates
					(client_id, country_code, channel, use_case,
					 setup_fee, monthly_fee, mt_fee, mo_fee,
					 currency, contract_version, effective_from, effective_to, batch_id, notes)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ClientID, r.CountryCode, string(r.Channel), string(r.UseCase),
				r.Fees.Setup.String(), r.Fees.Monthly.String(), r.Fees.MT.String(), r.Fees.MO.String(),
				r.Currency, nullString(r.ContractVersion), r.Interval.From.String(), intervalTo(r.Interval),
				nullInt(r.BatchID), nullString(r.Notes),
			)
			if err != nil {
				return 0, fmt.Errorf("failed to insert client rate: %w", err)
			}
			return res.LastInsertId()
		})
	if err != nil {
		return nil, err
	}
	return s.GetClientRate(ctx, id)
}

func (s *Store) EffectiveClientRate(ctx context.Context, clientID int64, countryCode string, ch margin.Channel, uc margin.UseCase, asOf temporal.Date) (*margin.ClientRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+clientRateCols+` FROM client_rates
		WHERE client_id = ? AND country_code = ? AND channel = ? AND use_case = ?
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to > ?)
		ORDER BY effective_from DESC
		LIMIT 1`,
		clientID, countryCode, string(ch), string(uc), asOf.String(), asOf.String())

	r, err := scanClientRate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) GetClientRate(ctx context.Context, id int64) (*margin.ClientRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientRateCols+` FROM client_rates WHERE id = ?`, id)
	r, err := scanClientRate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

type ClientRateFilter struct {
	ClientID    *int64
	CountryCode string
	Channel     margin.Channel
	UseCase     margin.UseCase
	EffectiveOn *temporal.Date
}

func (s *Store) ListClientRates(ctx context.Context, f ClientRateFilter, pr PageRequest) (*Page[margin.ClientRate], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "WHERE 1=1"
	var args []any
	if f.ClientID != nil {
		where += " AND client_id = ?"
		args = append(args, *f.ClientID)
	}
	if f.CountryCode != "" {
		where += " AND country_code = ?"
		args = append(args, f.CountryCode)
	}
	if f.Channel != "" {
		where += " AND channel = ?"
		args = append(args, string(f.Channel))
	}
	if f.UseCase != "" {
		where += " AND use_case = ?"
		args = append(args, string(f.UseCase))
	}
	if f.EffectiveOn != nil {
		where += " AND effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)"
		args = append(args, f.EffectiveOn.String(), f.EffectiveOn.String())
	}

	page, size, offset := pr.normalize()
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM client_rates "+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientRateCols+` FROM client_rates `+where+
			` ORDER BY effective_from DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, size, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []margin.ClientRate
	for rows.Next() {
		r, err := scanClientRate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return newPage(out, total, page, size), nil
}

const clientRateCols = `id, client_id, country_code, channel, use_case,
	setup_fee, monthly_fee, mt_fee, mo_fee, currency, contract_version,
	effective_from, effective_to, batch_id, notes`

func scanClientRate(row interface{ Scan(...any) error }) (*margin.ClientRate, error) {
	var (
		r                           margin.ClientRate
		channel, useCase            string
		setup, monthly, mt, mo      string
		from                        string
		contractVersion, to, notes  sql.NullString
		batchID                     sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.ClientID, &r.CountryCode, &channel, &useCase,
		&setup, &monthly, &mt, &mo, &r.Currency, &contractVersion,
		&from, &to, &batchID, &notes)
	if err != nil {
		return nil, err
	}
	r.Channel = margin.Channel(channel)
	r.UseCase = margin.UseCase(useCase)
	r.Fees = margin.FeeSchedule{
		Setup:   mustDecimal(setup),
		Monthly: mustDecimal(monthly),
		MT:      mustDecimal(mt),
		MO:      mustDecimal(mo),
	}
	r.ContractVersion = contractVersion.String
	r.Interval = scanInterval(from, to)
	r.BatchID = intPtr(batchID)
	r.Notes = notes.String
	return &r, nil
}

func intervalTo(iv temporal.Interval) sql.NullString {
	if iv.To == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: iv.To.String(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
