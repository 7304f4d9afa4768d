/*
fx.go - FX rate repository

PURPOSE:
  Fourth instance of the temporal pattern, keyed by (from_currency,
  to_currency). A rate is units of to_currency per 1 from_currency. The
  engine tries the direct pair first and falls back to 1/inverse.
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

// InsertFxRate inserts a new FX rate version for the currency pair.
func (s *Store) InsertFxRate(ctx context.Context, r margin.FxRate) (*margin.FxRate, error) {
	r.FromCurrency = strings.ToUpper(r.FromCurrency)
	r.ToCurrency = strings.ToUpper(r.ToCurrency)
	if err := r.Validate(); err != nil {
		return nil, err
	}

	id, err := s.insertVersioned(ctx, fxRatesTable,
		[]any{r.FromCurrency, r.ToCurrency},
		r.Interval,
		func(tx *sql.Tx) (int64, error) {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO fx_rates
					(from_currency, to_currency, rate, effective_from, effective_to, source, batch_id)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.FromCurrency, r.ToCurrency, r.Rate.String(),
				r.Interval.From.String(), intervalTo(r.Interval),
				nullString(r.Source), nullInt(r.BatchID),
			)
			if err != nil {
				return 0, fmt.Errorf("failed to insert fx rate: %w", err)
			}
			return res.LastInsertId()
		})
	if err != nil {
		return nil, err
	}
	return s.GetFxRate(ctx, id)
}

// EffectiveFx returns the rate for the exact pair valid as of the date, or
// nil. Inverse fallback is the engine's concern, not the repository's.
func (s *Store) EffectiveFx(ctx context.Context, fromCurrency, toCurrency string, asOf temporal.Date) (*margin.FxRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+fxCols+` FROM fx_rates
		WHERE from_currency = ? AND to_currency = ?
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to > ?)
		ORDER BY effective_from DESC
		LIMIT 1`,
		strings.ToUpper(fromCurrency), strings.ToUpper(toCurrency), asOf.String(), asOf.String())

	r, err := scanFxRate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) GetFxRate(ctx context.Context, id int64) (*margin.FxRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+fxCols+` FROM fx_rates WHERE id = ?`, id)
	r, err := scanFxRate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

type FxFilter struct {
	FromCurrency string
	ToCurrency   string
	EffectiveOn  *temporal.Date
}

func (s *Store) ListFxRates(ctx context.Context, f FxFilter, pr PageRequest) (*Page[margin.FxRate], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "WHERE 1=1"
	var args []any
	if f.FromCurrency != "" {
		where += " AND from_currency = ?"
		args = append(args, strings.ToUpper(f.FromCurrency))
	}
	if f.ToCurrency != "" {
		where += " AND to_currency = ?"
		args = append(args, strings.ToUpper(f.ToCurrency))
	}
	if f.EffectiveOn != nil {
		where += " AND effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)"
		args = append(args, f.EffectiveOn.String(), f.EffectiveOn.String())
	}

	page, size, offset := pr.normalize()
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fx_rates "+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fxCols+` FROM fx_rates `+where+
			` ORDER BY effective_from DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, size, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []margin.FxRate
	for rows.Next() {
		r, err := scanFxRate(rows)
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

const fxCols = `id, from_currency, to_currency, rate, effective_from, effective_to, source, batch_id`

func scanFxRate(row interface{ Scan(...any) error }) (*margin.FxRate, error) {
	var (
		r          margin.FxRate
		rate, from string
		to, source sql.NullString
		batchID    sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.FromCurrency, &r.ToCurrency, &rate, &from, &to, &source, &batchID)
	if err != nil {
		return nil, err
	}
	r.Rate = mustDecimal(rate)
	r.Interval = scanInterval(from, to)
	r.Source = source.String
	r.BatchID = intPtr(batchID)
	return &r, nil
}
