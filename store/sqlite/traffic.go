/*
traffic.go - Traffic record repository

PURPOSE:
  Traffic rows are the engine's input: per (client, country, channel, use
  case, date) component counts loaded under an upload batch. Immutable once
  loaded; a bad load is corrected by reversing the resulting ledger entries
  and loading a new batch.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/margin-engine/margin"
)

// InsertTrafficRecord validates and persists one traffic row.
func (s *Store) InsertTrafficRecord(ctx context.Context, t margin.TrafficRecord) (*margin.TrafficRecord, error) {
	if t.CountryCode == "" {
		return nil, &margin.ValidationError{Field: "country_code", Message: "is required"}
	}
	if !t.Channel.Valid() {
		return nil, &margin.ValidationError{Field: "channel", Message: fmt.Sprintf("unknown channel %q", t.Channel)}
	}
	if !t.UseCase.Valid() {
		return nil, &margin.ValidationError{Field: "use_case", Message: fmt.Sprintf("unknown use case %q", t.UseCase)}
	}
	if t.SetupCount < 0 || t.MonthlyCount < 0 || t.MTCount < 0 || t.MOCount < 0 {
		return nil, &margin.ValidationError{Field: "counts", Message: "must not be negative"}
	}
	if t.SetupCount == 0 && t.MonthlyCount == 0 && t.MTCount == 0 && t.MOCount == 0 {
		return nil, &margin.ValidationError{Field: "counts", Message: "at least one count must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO traffic_records
			(batch_id, client_id, country_code, channel, use_case, traffic_date,
			 setup_count, monthly_count, mt_count, mo_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.BatchID, t.ClientID, t.CountryCode, string(t.Channel), string(t.UseCase),
		t.Date.String(), t.SetupCount, t.MonthlyCount, t.MTCount, t.MOCount)
	if err != nil {
		return nil, fmt.Errorf("failed to insert traffic record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	t.ID = id
	return &t, nil
}

// TrafficByBatch returns every traffic row in a batch, in insertion order.
// Satisfies margin.TrafficSource.
func (s *Store) TrafficByBatch(ctx context.Context, batchID int64) ([]margin.TrafficRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, client_id, country_code, channel, use_case, traffic_date,
		       setup_count, monthly_count, mt_count, mo_count
		FROM traffic_records
		WHERE batch_id = ?
		ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []margin.TrafficRecord
	for rows.Next() {
		t, err := scanTraffic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) GetTrafficRecord(ctx context.Context, id int64) (*margin.TrafficRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, client_id, country_code, channel, use_case, traffic_date,
		       setup_count, monthly_count, mt_count, mo_count
		FROM traffic_records WHERE id = ?`, id)
	t, err := scanTraffic(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func scanTraffic(row interface{ Scan(...any) error }) (*margin.TrafficRecord, error) {
	var (
		t                margin.TrafficRecord
		channel, useCase string
		trafficDate      string
	)
	err := row.Scan(&t.ID, &t.BatchID, &t.ClientID, &t.CountryCode, &channel, &useCase,
		&trafficDate, &t.SetupCount, &t.MonthlyCount, &t.MTCount, &t.MOCount)
	if err != nil {
		return nil, err
	}
	t.Channel = margin.Channel(channel)
	t.UseCase = margin.UseCase(useCase)
	t.Date = mustDate(trafficDate)
	return &t, nil
}
