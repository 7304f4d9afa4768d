/*
routing.go - Routing assignment repository

PURPOSE:
  Third instance of the temporal pattern, keyed by (client, country,
  channel, use_case) and mapping to a vendor. The as-of lookup prefers the
  lowest priority value among rows valid on the date, then the most recent
  effective_from.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/margin-engine/margin"
	"github.com/warp/margin-engine/temporal"
)

// InsertRouting inserts a new routing version, superseding the current
// open-ended assignment for the same route.
func (s *Store) InsertRouting(ctx context.Context, r margin.RoutingAssignment) (*margin.RoutingAssignment, error) {
	if r.CountryCode == "" {
		return nil, &margin.ValidationError{Field: "country_code", Message: "is required"}
	}
	if !r.Channel.Valid() {
		return nil, &margin.ValidationError{Field: "channel", Message: fmt.Sprintf("unknown channel %q", r.Channel)}
	}
	if !r.UseCase.Valid() {
		return nil, &margin.ValidationError{Field: "use_case", Message: fmt.Sprintf("unknown use case %q", r.UseCase)}
	}
	if r.Priority < 0 {
		return nil, &margin.ValidationError{Field: "priority", Message: "must not be negative"}
	}

	id, err := s.insertVersioned(ctx, routingTable,
		[]any{r.ClientID, r.CountryCode, string(r.Channel), string(r.UseCase), r.Priority},
		r.Interval,
		func(tx *sql.Tx) (int64, error) {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO routing_assignments
					(client_id, country_code, channel, use_case, vendor_id, priority,
					 effective_from, effective_to, batch_id, notes)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ClientID, r.CountryCode, string(r.Channel), string(r.UseCase),
				r.VendorID, r.Priority, r.Interval.From.String(), intervalTo(r.Interval),
				nullInt(r.BatchID), nullString(r.Notes),
			)
			if err != nil {
				return 0, fmt.Errorf("failed to insert routing assignment: %w", err)
			}
			return res.LastInsertId()
		})
	if err != nil {
		return nil, err
	}
	return s.GetRouting(ctx, id)
}

// EffectiveRouting returns the assignment valid as of the date: lowest
// priority wins, ties break on most recent effective_from. Nil when no
// assignment covers the date.
func (s *Store) EffectiveRouting(ctx context.Context, clientID int64, countryCode string, ch margin.Channel, uc margin.UseCase, asOf temporal.Date) (*margin.RoutingAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+routingCols+` FROM routing_assignments
		WHERE client_id = ? AND country_code = ? AND channel = ? AND use_case = ?
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to > ?)
		ORDER BY priority ASC, effective_from DESC
		LIMIT 1`,
		clientID, countryCode, string(ch), string(uc), asOf.String(), asOf.String())

	r, err := scanRouting(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) GetRouting(ctx context.Context, id int64) (*margin.RoutingAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+routingCols+` FROM routing_assignments WHERE id = ?`, id)
	r, err := scanRouting(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

type RoutingFilter struct {
	ClientID    *int64
	VendorID    *int64
	CountryCode string
	Channel     margin.Channel
	EffectiveOn *temporal.Date
}

func (s *Store) ListRouting(ctx context.Context, f RoutingFilter, pr PageRequest) (*Page[margin.RoutingAssignment], error) {
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
	if f.EffectiveOn != nil {
		where += " AND effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)"
		args = append(args, f.EffectiveOn.String(), f.EffectiveOn.String())
	}

	page, size, offset := pr.normalize()
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM routing_assignments "+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+routingCols+` FROM routing_assignments `+where+
			` ORDER BY effective_from DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, size, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []margin.RoutingAssignment
	for rows.Next() {
		r, err := scanRouting(rows)
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

const routingCols = `id, client_id, country_code, channel, use_case, vendor_id, priority,
	effective_from, effective_to, batch_id, notes`

func scanRouting(row interface{ Scan(...any) error }) (*margin.RoutingAssignment, error) {
	var (
		r                margin.RoutingAssignment
		channel, useCase string
		from             string
		to, notes        sql.NullString
		batchID          sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.ClientID, &r.CountryCode, &channel, &useCase,
		&r.VendorID, &r.Priority, &from, &to, &batchID, &notes)
	if err != nil {
		return nil, err
	}
	r.Channel = margin.Channel(channel)
	r.UseCase = margin.UseCase(useCase)
	r.Interval = scanInterval(from, to)
	r.BatchID = intPtr(batchID)
	r.Notes = notes.String
	return &r, nil
}
