/*
parties.go - Vendors, clients and upload batches

PURPOSE:
  Administrative reference data: the parties on both sides of every margin
  computation, plus the upload batches that group incoming rate and traffic
  rows and record how each compute run ended.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/warp/margin-engine/margin"
)

// Vendor is an upstream supplier whose rates we pay.
type Vendor struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Code     string `json:"code"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// Client is a downstream customer we bill.
type Client struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Code            string `json:"code"`
	BillingCurrency string `json:"billingCurrency"`
	Status          string `json:"status"`
}

// UploadBatch groups rows loaded in one file upload and tracks the outcome
// of the compute run over them.
type UploadBatch struct {
	ID           int64      `json:"id"`
	Type         string     `json:"type"`
	Filename     string     `json:"filename"`
	Status       string     `json:"status"`
	TotalRows    int        `json:"totalRows"`
	ErrorRows    int        `json:"errorRows"`
	UploadedAt   time.Time  `json:"uploadedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorSummary string     `json:"errorSummary,omitempty"`
}

// =============================================================================
// VENDORS
// =============================================================================

func (s *Store) CreateVendor(ctx context.Context, v Vendor) (*Vendor, error) {
	if strings.TrimSpace(v.Name) == "" {
		return nil, &margin.ValidationError{Field: "name", Message: "is required"}
	}
	if strings.TrimSpace(v.Code) == "" {
		return nil, &margin.ValidationError{Field: "code", Message: "is required"}
	}
	if v.Currency == "" {
		v.Currency = "USD"
	}
	if v.Status == "" {
		v.Status = "active"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO vendors (name, code, currency, status) VALUES (?, ?, ?, ?)`,
		v.Name, v.Code, strings.ToUpper(v.Currency), v.Status)
	if isUniqueConstraintError(err) {
		return nil, &margin.ValidationError{Field: "code", Message: fmt.Sprintf("%q already exists", v.Code)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create vendor: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.getVendor(ctx, id)
}

func (s *Store) GetVendor(ctx context.Context, id int64) (*Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getVendor(ctx, id)
}

func (s *Store) getVendor(ctx context.Context, id int64) (*Vendor, error) {
	var v Vendor
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, code, currency, status FROM vendors WHERE id = ?`, id,
	).Scan(&v.ID, &v.Name, &v.Code, &v.Currency, &v.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVendors(ctx context.Context) ([]Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, code, currency, status FROM vendors ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Vendor
	for rows.Next() {
		var v Vendor
		if err := rows.Scan(&v.ID, &v.Name, &v.Code, &v.Currency, &v.Status); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// CLIENTS
// =============================================================================

func (s *Store) CreateClient(ctx context.Context, c Client) (*Client, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, &margin.ValidationError{Field: "name", Message: "is required"}
	}
	if strings.TrimSpace(c.Code) == "" {
		return nil, &margin.ValidationError{Field: "code", Message: "is required"}
	}
	if c.BillingCurrency == "" {
		c.BillingCurrency = "USD"
	}
	if c.Status == "" {
		c.Status = "active"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (name, code, billing_currency, status) VALUES (?, ?, ?, ?)`,
		c.Name, c.Code, strings.ToUpper(c.BillingCurrency), c.Status)
	if isUniqueConstraintError(err) {
		return nil, &margin.ValidationError{Field: "code", Message: fmt.Sprintf("%q already exists", c.Code)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.getClient(ctx, id)
}

func (s *Store) GetClient(ctx context.Context, id int64) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getClient(ctx, id)
}

func (s *Store) getClient(ctx context.Context, id int64) (*Client, error) {
	var c Client
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, code, billing_currency, status FROM clients WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Code, &c.BillingCurrency, &c.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, code, billing_currency, status FROM clients ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Code, &c.BillingCurrency, &c.Status); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// UPLOAD BATCHES
// =============================================================================

var validBatchTypes = map[string]bool{
	"vendor_rate": true, "client_rate": true, "routing": true,
	"traffic": true, "fx_rate": true,
}

func (s *Store) CreateBatch(ctx context.Context, batchType, filename string) (*UploadBatch, error) {
	if !validBatchTypes[batchType] {
		return nil, &margin.ValidationError{Field: "type", Message: fmt.Sprintf("unknown batch type %q", batchType)}
	}
	if strings.TrimSpace(filename) == "" {
		return nil, &margin.ValidationError{Field: "filename", Message: "is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_batches (type, filename) VALUES (?, ?)`, batchType, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.getBatch(ctx, id)
}

func (s *Store) GetBatch(ctx context.Context, id int64) (*UploadBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBatch(ctx, id)
}

func (s *Store) getBatch(ctx context.Context, id int64) (*UploadBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, filename, status, total_rows, error_rows,
		       uploaded_at, completed_at, error_summary
		FROM upload_batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *Store) ListBatches(ctx context.Context, batchType string) ([]UploadBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, type, filename, status, total_rows, error_rows,
		       uploaded_at, completed_at, error_summary
		FROM upload_batches`
	var args []any
	if batchType != "" {
		query += " WHERE type = ?"
		args = append(args, batchType)
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UploadBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// SetBatchRowCounts updates totals after a file load finishes.
func (s *Store) SetBatchRowCounts(ctx context.Context, id int64, totalRows, errorRows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE upload_batches SET total_rows = ?, error_rows = ? WHERE id = ?`,
		totalRows, errorRows, id)
	return err
}

// MarkBatchComputed records the outcome of a compute run. Satisfies
// margin.BatchStatusStore.
func (s *Store) MarkBatchComputed(ctx context.Context, batchID int64, status margin.BatchStatus, errorSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE upload_batches
		SET status = ?, completed_at = datetime('now'), error_summary = ?
		WHERE id = ?`,
		string(status), nullString(errorSummary), batchID)
	return err
}

func scanBatch(row interface{ Scan(...any) error }) (*UploadBatch, error) {
	var (
		b                       UploadBatch
		uploadedAt              string
		completedAt, errSummary sql.NullString
	)
	err := row.Scan(&b.ID, &b.Type, &b.Filename, &b.Status, &b.TotalRows, &b.ErrorRows,
		&uploadedAt, &completedAt, &errSummary)
	if err != nil {
		return nil, err
	}
	b.UploadedAt = parseTime(uploadedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		b.CompletedAt = &t
	}
	b.ErrorSummary = errSummary.String
	return &b, nil
}
