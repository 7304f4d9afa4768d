/*
countries.go - Country reference data

PURPOSE:
  Backs the in-memory country normalizer: master list, alias table and the
  pending-resolution queue for names the normalizer could not resolve. When
  an operator resolves a pending name the mapping is saved as an alias so
  the next reload resolves it exactly.

SEED DATA:
  A fresh database is seeded with the countries CPaaS traffic actually
  touches plus the aliases that show up in vendor files (America, UK,
  Holland, UAE and friends). Seeding is idempotent and skipped when
  country_master already has rows.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/margin-engine/country"
	"github.com/warp/margin-engine/margin"
)

// =============================================================================
// country.Source
// =============================================================================

// Countries returns the full master list.
func (s *Store) Countries(ctx context.Context) ([]country.Country, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, COALESCE(iso_alpha3, '') FROM country_master ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []country.Country
	for rows.Next() {
		var c country.Country
		if err := rows.Scan(&c.Code, &c.Name, &c.Alpha3); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Aliases returns every stored alias mapping.
func (s *Store) Aliases(ctx context.Context) ([]country.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT country_code, alias, source FROM country_aliases ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []country.Alias
	for rows.Next() {
		var a country.Alias
		if err := rows.Scan(&a.CountryCode, &a.Alias, &a.Source); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAlias records a new alias for a country. The alias column is unique
// case-insensitively; saving a duplicate is a client error.
func (s *Store) SaveAlias(ctx context.Context, a country.Alias) error {
	a.Alias = strings.TrimSpace(a.Alias)
	if a.Alias == "" {
		return &margin.ValidationError{Field: "alias", Message: "is required"}
	}
	if a.CountryCode == "" {
		return &margin.ValidationError{Field: "country_code", Message: "is required"}
	}
	if a.Source == "" {
		a.Source = "manual"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO country_aliases (country_code, alias, source) VALUES (?, ?, ?)`,
		a.CountryCode, a.Alias, a.Source)
	if isUniqueConstraintError(err) {
		return &margin.ValidationError{Field: "alias", Message: fmt.Sprintf("%q already exists", a.Alias)}
	}
	return err
}

// =============================================================================
// PENDING RESOLUTIONS
// =============================================================================

// PendingResolution is a raw country name that could not be resolved
// automatically and awaits an operator decision.
type PendingResolution struct {
	ID            int64    `json:"id"`
	RawName       string   `json:"rawName"`
	BatchID       *int64   `json:"batchId,omitempty"`
	SuggestedCode string   `json:"suggestedCode,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Resolved      bool     `json:"resolved"`
	ResolvedCode  string   `json:"resolvedCode,omitempty"`
}

// RecordPending queues an unresolved raw name. Re-recording the same name
// is a no-op so repeated uploads don't pile up duplicates.
func (s *Store) RecordPending(ctx context.Context, rawName string, batchID *int64, suggestedCode string, confidence *float64) error {
	rawName = strings.TrimSpace(rawName)
	if rawName == "" {
		return &margin.ValidationError{Field: "raw_name", Message: "is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_country_resolutions (raw_name, batch_id, suggested_code, confidence)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(raw_name) DO NOTHING`,
		rawName, nullInt(batchID), nullString(suggestedCode), nullFloat(confidence))
	return err
}

// ListPending returns unresolved names, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]PendingResolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, raw_name, batch_id, suggested_code, confidence, resolved, resolved_code
		FROM pending_country_resolutions
		WHERE resolved = 0
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingResolution
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ResolvePending maps a pending raw name to a country code. The mapping is
// also saved as an alias so future uploads resolve without review. Caller
// reloads the normalizer afterwards.
func (s *Store) ResolvePending(ctx context.Context, id int64, countryCode string) (*PendingResolution, error) {
	if countryCode == "" {
		return nil, &margin.ValidationError{Field: "country_code", Message: "is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rawName string
	var resolved int
	err = tx.QueryRowContext(ctx,
		`SELECT raw_name, resolved FROM pending_country_resolutions WHERE id = ?`, id,
	).Scan(&rawName, &resolved)
	if err == sql.ErrNoRows {
		return nil, &margin.ValidationError{Field: "id", Message: fmt.Sprintf("pending resolution %d not found", id)}
	}
	if err != nil {
		return nil, err
	}
	if resolved != 0 {
		return nil, &margin.ValidationError{Field: "id", Message: fmt.Sprintf("pending resolution %d already resolved", id)}
	}

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM country_master WHERE code = ?`, countryCode).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, &margin.ValidationError{Field: "country_code", Message: fmt.Sprintf("unknown country %q", countryCode)}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_country_resolutions
		SET resolved = 1, resolved_code = ?, resolved_at = datetime('now')
		WHERE id = ?`, countryCode, id); err != nil {
		return nil, err
	}

	// Duplicate aliases can happen when two pending rows resolve to the
	// same spelling variant; tolerate them.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO country_aliases (country_code, alias, source) VALUES (?, ?, 'resolution')`,
		countryCode, rawName)
	if err != nil && !isUniqueConstraintError(err) {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, raw_name, batch_id, suggested_code, confidence, resolved, resolved_code
		FROM pending_country_resolutions WHERE id = ?`, id)
	p, err := scanPending(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func scanPending(row interface{ Scan(...any) error }) (*PendingResolution, error) {
	var (
		p                       PendingResolution
		batchID                 sql.NullInt64
		suggested, resolvedCode sql.NullString
		confidence              sql.NullFloat64
		resolved                int
	)
	if err := row.Scan(&p.ID, &p.RawName, &batchID, &suggested, &confidence, &resolved, &resolvedCode); err != nil {
		return nil, err
	}
	p.BatchID = intPtr(batchID)
	p.SuggestedCode = suggested.String
	if confidence.Valid {
		c := confidence.Float64
		p.Confidence = &c
	}
	p.Resolved = resolved != 0
	p.ResolvedCode = resolvedCode.String
	return &p, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// =============================================================================
// SEED DATA
// =============================================================================

func (s *Store) seedCountries(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM country_master`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seed := []struct{ code, name, alpha3 string }{
		{"US", "United States", "USA"},
		{"GB", "United Kingdom", "GBR"},
		{"DE", "Germany", "DEU"},
		{"FR", "France", "FRA"},
		{"ES", "Spain", "ESP"},
		{"IT", "Italy", "ITA"},
		{"NL", "Netherlands", "NLD"},
		{"BE", "Belgium", "BEL"},
		{"AT", "Austria", "AUT"},
		{"CH", "Switzerland", "CHE"},
		{"SE", "Sweden", "SWE"},
		{"NO", "Norway", "NOR"},
		{"DK", "Denmark", "DNK"},
		{"FI", "Finland", "FIN"},
		{"PL", "Poland", "POL"},
		{"PT", "Portugal", "PRT"},
		{"IE", "Ireland", "IRL"},
		{"CZ", "Czechia", "CZE"},
		{"RO", "Romania", "ROU"},
		{"GR", "Greece", "GRC"},
		{"TR", "Turkey", "TUR"},
		{"RU", "Russia", "RUS"},
		{"UA", "Ukraine", "UKR"},
		{"CA", "Canada", "CAN"},
		{"MX", "Mexico", "MEX"},
		{"BR", "Brazil", "BRA"},
		{"AR", "Argentina", "ARG"},
		{"CO", "Colombia", "COL"},
		{"CL", "Chile", "CHL"},
		{"PE", "Peru", "PER"},
		{"IN", "India", "IND"},
		{"PK", "Pakistan", "PAK"},
		{"BD", "Bangladesh", "BGD"},
		{"CN", "China", "CHN"},
		{"JP", "Japan", "JPN"},
		{"KR", "South Korea", "KOR"},
		{"ID", "Indonesia", "IDN"},
		{"PH", "Philippines", "PHL"},
		{"VN", "Vietnam", "VNM"},
		{"TH", "Thailand", "THA"},
		{"MY", "Malaysia", "MYS"},
		{"SG", "Singapore", "SGP"},
		{"AU", "Australia", "AUS"},
		{"NZ", "New Zealand", "NZL"},
		{"ZA", "South Africa", "ZAF"},
		{"NG", "Nigeria", "NGA"},
		{"KE", "Kenya", "KEN"},
		{"EG", "Egypt", "EGY"},
		{"SA", "Saudi Arabia", "SAU"},
		{"AE", "United Arab Emirates", "ARE"},
		{"IL", "Israel", "ISR"},
	}
	for _, c := range seed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO country_master (code, name, iso_alpha3) VALUES (?, ?, ?)`,
			c.code, c.name, c.alpha3); err != nil {
			return fmt.Errorf("failed to seed country %s: %w", c.code, err)
		}
	}

	aliases := []struct{ code, alias string }{
		{"US", "America"},
		{"US", "United States of America"},
		{"US", "U.S."},
		{"US", "U.S.A."},
		{"GB", "UK"},
		{"GB", "Great Britain"},
		{"GB", "England"},
		{"NL", "Holland"},
		{"NL", "The Netherlands"},
		{"AE", "UAE"},
		{"KR", "Korea"},
		{"KR", "Republic of Korea"},
		{"RU", "Russian Federation"},
		{"CZ", "Czech Republic"},
		{"TR", "Turkiye"},
		{"VN", "Viet Nam"},
		{"CH", "Swiss"},
	}
	for _, a := range aliases {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO country_aliases (country_code, alias, source) VALUES (?, ?, 'seed')`,
			a.code, a.alias); err != nil {
			return fmt.Errorf("failed to seed alias %q: %w", a.alias, err)
		}
	}

	return tx.Commit()
}
