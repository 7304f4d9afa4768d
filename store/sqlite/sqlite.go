/*
Package sqlite provides the SQLite-backed implementation of every
persistence interface in the margin engine.

PURPOSE:
  One embedded, single-writer transactional store holds the four temporal
  tables (vendor rates, client rates, routing assignments, FX rates), the
  country reference data, traffic records, upload batches and the immutable
  margin ledger.

INTERFACES IMPLEMENTED:
  margin.RoutingSource / VendorRateSource / ClientRateSource / FxSource
  margin.TrafficSource, margin.Ledger, margin.BatchStatusStore
  country.Source

VERSIONED INSERTS:
  The four temporal tables share one helper (insertVersioned) implementing
  the contract from the temporal package as SQL, one transaction per insert:
  auto-close the open-ended predecessor, reject remaining overlaps with
  *temporal.OverlapError, insert. See rates.go / routing.go / fx.go.

IMMUTABILITY ENFORCEMENT:
  margin_ledger carries BEFORE UPDATE / BEFORE DELETE triggers that abort,
  so the database guards the ledger even against writers that bypass this
  package. A partial unique index allows at most one reversal per original.

WAL MODE:
  SQLite is opened with WAL and foreign keys on. A sync.RWMutex serializes
  writers; the model is deliberately single-process, single-writer.

USAGE:
  store, err := sqlite.New("./data/margin.db")
  defer store.Close()

SEE ALSO:
  - temporal/: the interval contract this package renders as SQL
  - margin/engine.go: the main consumer of the read path
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/margin-engine/temporal"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a store at the given path. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.seedCountries(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed country master: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Country reference data
	CREATE TABLE IF NOT EXISTS country_master (
		code        TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		iso_alpha3  TEXT UNIQUE,
		created_at  TEXT NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS country_aliases (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		country_code TEXT NOT NULL REFERENCES country_master(code) ON UPDATE CASCADE,
		alias        TEXT NOT NULL COLLATE NOCASE UNIQUE,
		source       TEXT NOT NULL DEFAULT 'manual',
		created_at   TEXT NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_country_aliases_code ON country_aliases(country_code);

	-- Upload batch tracking
	CREATE TABLE IF NOT EXISTS upload_batches (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		type           TEXT NOT NULL CHECK(type IN (
		                 'vendor_rate', 'client_rate', 'routing', 'traffic', 'fx_rate'
		               )),
		filename       TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending' CHECK(status IN (
		                 'pending', 'processing', 'completed',
		                 'completed_with_errors', 'failed', 'cancelled'
		               )),
		total_rows     INTEGER NOT NULL DEFAULT 0,
		error_rows     INTEGER NOT NULL DEFAULT 0,
		uploaded_at    TEXT NOT NULL DEFAULT (datetime('now')),
		completed_at   TEXT,
		error_summary  TEXT
	);

	CREATE TABLE IF NOT EXISTS pending_country_resolutions (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		raw_name       TEXT NOT NULL UNIQUE,
		batch_id       INTEGER REFERENCES upload_batches(id),
		suggested_code TEXT REFERENCES country_master(code),
		confidence     REAL,
		resolved       INTEGER NOT NULL DEFAULT 0,
		resolved_code  TEXT REFERENCES country_master(code),
		resolved_at    TEXT,
		created_at     TEXT NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_pending_unresolved
		ON pending_country_resolutions(resolved) WHERE resolved = 0;

	-- Parties
	CREATE TABLE IF NOT EXISTS vendors (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		code       TEXT NOT NULL UNIQUE,
		currency   TEXT NOT NULL DEFAULT 'USD',
		status     TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'inactive')),
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS clients (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		name             TEXT NOT NULL,
		code             TEXT NOT NULL UNIQUE,
		billing_currency TEXT NOT NULL DEFAULT 'USD',
		status           TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'inactive')),
		created_at       TEXT NOT NULL DEFAULT (datetime('now'))
	);

	-- Vendor rates (temporal)
	CREATE TABLE IF NOT EXISTS vendor_rates (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		vendor_id      INTEGER NOT NULL REFERENCES vendors(id),
		country_code   TEXT NOT NULL REFERENCES country_master(code),
		channel        TEXT NOT NULL,
		use_case       TEXT NOT NULL DEFAULT 'default',
		setup_fee      TEXT NOT NULL DEFAULT '0',
		monthly_fee    TEXT NOT NULL DEFAULT '0',
		mt_fee         TEXT NOT NULL DEFAULT '0',
		mo_fee         TEXT NOT NULL DEFAULT '0',
		currency       TEXT NOT NULL DEFAULT 'USD',
		discontinued   INTEGER NOT NULL DEFAULT 0,
		effective_from TEXT NOT NULL,
		effective_to   TEXT,
		batch_id       INTEGER REFERENCES upload_batches(id),
		notes          TEXT,
		created_at     TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_vendor_rates_lookup ON vendor_rates(
		vendor_id, country_code, channel, use_case, effective_from, effective_to
	);

	-- Client rates (temporal)
	CREATE TABLE IF NOT EXISTS client_rates (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id        INTEGER NOT NULL REFERENCES clients(id),
		country_code     TEXT NOT NULL REFERENCES country_master(code),
		channel          TEXT NOT NULL,
		use_case         TEXT NOT NULL DEFAULT 'default',
		setup_fee        TEXT NOT NULL DEFAULT '0',
		monthly_fee      TEXT NOT NULL DEFAULT '0',
		mt_fee           TEXT NOT NULL DEFAULT '0',
		mo_fee           TEXT NOT NULL DEFAULT '0',
		currency         TEXT NOT NULL DEFAULT 'USD',
		contract_version TEXT,
		effective_from   TEXT NOT NULL,
		effective_to     TEXT,
		batch_id         INTEGER REFERENCES upload_batches(id),
		notes            TEXT,
		created_at       TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at       TEXT NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_client_rates_lookup ON client_rates(
		client_id, country_code, channel, use_case, effective_from, effective_to
	);

	-- Routing assignments (temporal, with priority tie-break)
	CREATE TABLE IF NOT EXISTS routing_assignments (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id      INTEGER NOT NULL REFERENCES clients(id),
		country_code   TEXT NOT NULL REFERENCES country_master(code),
		channel        TEXT NOT NULL,
		use_case       TEXT NOT NULL DEFAULT 'default',
		vendor_id      INTEGER NOT NULL REFERENCES vendors(id),
		priority       INTEGER NOT NULL DEFAULT 1,
		effective_from TEXT NOT NULL,
		effective_to   TEXT,
		batch_id       INTEGER REFERENCES upload_batches(id),
		notes          TEXT,
		created_at     TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_routing_lookup ON routing_assignments(
		client_id, country_code, channel, use_case, effective_from, effective_to
	);
	CREATE INDEX IF NOT EXISTS idx_routing_vendor ON routing_assignments(vendor_id);

	-- FX rates (temporal)
	CREATE TABLE IF NOT EXISTS fx_rates (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		from_currency  TEXT NOT NULL,
		to_currency    TEXT NOT NULL,
		rate           TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to   TEXT,
		source         TEXT,
		batch_id       INTEGER REFERENCES upload_batches(id),
		created_at     TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_fx_rates_lookup ON fx_rates(
		from_currency, to_currency, effective_from, effective_to
	);

	-- Traffic records (immutable once loaded)
	CREATE TABLE IF NOT EXISTS traffic_records (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id      INTEGER NOT NULL REFERENCES upload_batches(id),
		client_id     INTEGER NOT NULL REFERENCES clients(id),
		country_code  TEXT NOT NULL REFERENCES country_master(code),
		channel       TEXT NOT NULL,
		use_case      TEXT NOT NULL DEFAULT 'default',
		traffic_date  TEXT NOT NULL,
		setup_count   INTEGER NOT NULL DEFAULT 0 CHECK(setup_count >= 0),
		monthly_count INTEGER NOT NULL DEFAULT 0 CHECK(monthly_count >= 0),
		mt_count      INTEGER NOT NULL DEFAULT 0 CHECK(mt_count >= 0),
		mo_count      INTEGER NOT NULL DEFAULT 0 CHECK(mo_count >= 0),
		created_at    TEXT NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_traffic_batch ON traffic_records(batch_id);
	CREATE INDEX IF NOT EXISTS idx_traffic_lookup ON traffic_records(
		client_id, country_code, channel, use_case, traffic_date
	);

	-- Margin ledger (IMMUTABLE, append-only)
	CREATE TABLE IF NOT EXISTS margin_ledger (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		traffic_record_id       INTEGER REFERENCES traffic_records(id),
		client_id               INTEGER NOT NULL REFERENCES clients(id),
		vendor_id               INTEGER NOT NULL REFERENCES vendors(id),
		country_code            TEXT NOT NULL REFERENCES country_master(code),
		channel                 TEXT NOT NULL,
		use_case                TEXT NOT NULL DEFAULT 'default',
		traffic_date            TEXT NOT NULL,
		setup_count             INTEGER NOT NULL DEFAULT 0,
		monthly_count           INTEGER NOT NULL DEFAULT 0,
		mt_count                INTEGER NOT NULL DEFAULT 0,
		mo_count                INTEGER NOT NULL DEFAULT 0,
		message_count           INTEGER NOT NULL,
		vendor_rate_id          INTEGER REFERENCES vendor_rates(id),
		vendor_setup_fee        TEXT NOT NULL DEFAULT '0',
		vendor_monthly_fee      TEXT NOT NULL DEFAULT '0',
		vendor_mt_fee           TEXT NOT NULL DEFAULT '0',
		vendor_mo_fee           TEXT NOT NULL DEFAULT '0',
		vendor_currency         TEXT NOT NULL,
		vendor_cost             TEXT NOT NULL,
		vendor_rate_per_message TEXT NOT NULL DEFAULT '0',
		client_rate_id          INTEGER REFERENCES client_rates(id),
		client_setup_fee        TEXT NOT NULL DEFAULT '0',
		client_monthly_fee      TEXT NOT NULL DEFAULT '0',
		client_mt_fee           TEXT NOT NULL DEFAULT '0',
		client_mo_fee           TEXT NOT NULL DEFAULT '0',
		client_currency         TEXT NOT NULL,
		client_revenue          TEXT NOT NULL,
		client_rate_per_message TEXT NOT NULL DEFAULT '0',
		fx_rate_id              INTEGER REFERENCES fx_rates(id),
		fx_rate                 TEXT,
		normalized_vendor_cost  TEXT NOT NULL,
		normalized_currency     TEXT NOT NULL,
		margin                  TEXT NOT NULL,
		calculated_at           TEXT NOT NULL DEFAULT (datetime('now')),
		is_reversal             INTEGER NOT NULL DEFAULT 0,
		original_entry_id       INTEGER REFERENCES margin_ledger(id),
		reversal_reason         TEXT,
		locked                  INTEGER NOT NULL DEFAULT 1,
		CHECK(locked = 1),
		CHECK(is_reversal = 0 OR original_entry_id IS NOT NULL)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_traffic_date ON margin_ledger(traffic_date);
	CREATE INDEX IF NOT EXISTS idx_ledger_client ON margin_ledger(client_id, traffic_date);
	CREATE INDEX IF NOT EXISTS idx_ledger_vendor ON margin_ledger(vendor_id, traffic_date);
	CREATE INDEX IF NOT EXISTS idx_ledger_country ON margin_ledger(country_code, traffic_date);
	CREATE INDEX IF NOT EXISTS idx_ledger_original ON margin_ledger(original_entry_id);

	-- At most one reversal per original
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_one_reversal
		ON margin_ledger(original_entry_id) WHERE is_reversal = 1;

	-- The database guards the ledger, not only application code
	CREATE TRIGGER IF NOT EXISTS prevent_ledger_update
	BEFORE UPDATE ON margin_ledger
	BEGIN
		SELECT RAISE(ABORT, 'margin_ledger rows are immutable; use reversal entries');
	END;

	CREATE TRIGGER IF NOT EXISTS prevent_ledger_delete
	BEFORE DELETE ON margin_ledger
	BEGIN
		SELECT RAISE(ABORT, 'margin_ledger rows cannot be deleted; use reversal entries');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// VERSIONED INSERT - Shared temporal contract for the four rate tables
// =============================================================================

// versionedTable names a temporal table and its key columns.
type versionedTable struct {
	table   string
	keyCols []string
}

var (
	vendorRatesTable = versionedTable{"vendor_rates", []string{"vendor_id", "country_code", "channel", "use_case"}}
	clientRatesTable = versionedTable{"client_rates", []string{"client_id", "country_code", "channel", "use_case"}}
	// Priority participates in the routing key: a primary and a backup route
	// are parallel candidates over the same dates, not a schedule conflict.
	routingTable = versionedTable{"routing_assignments", []string{"client_id", "country_code", "channel", "use_case", "priority"}}
	fxRatesTable     = versionedTable{"fx_rates", []string{"from_currency", "to_currency"}}
)

// insertVersioned runs the temporal insert contract in one SQL transaction:
// close the open-ended predecessor, reject remaining overlaps, insert via
// the callback. On overlap the whole transaction - including the closure -
// rolls back.
func (s *Store) insertVersioned(
	ctx context.Context,
	vt versionedTable,
	keyVals []any,
	iv temporal.Interval,
	insert func(tx *sql.Tx) (int64, error),
) (int64, error) {
	if err := iv.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	where := make([]string, len(vt.keyCols))
	for i, col := range vt.keyCols {
		where[i] = col + " = ?"
	}
	keyWhere := strings.Join(where, " AND ")
	from := iv.From.String()

	// Step 1: supersede the current open-ended row
	closeQuery := fmt.Sprintf(`
		UPDATE %s SET effective_to = ?, updated_at = datetime('now')
		WHERE %s AND effective_to IS NULL AND effective_from < ?`,
		vt.table, keyWhere)
	args := append([]any{from}, keyVals...)
	args = append(args, from)
	if _, err := tx.ExecContext(ctx, closeQuery, args...); err != nil {
		return 0, fmt.Errorf("failed to close open-ended row: %w", err)
	}

	// Step 2: any remaining intersection is a schedule conflict
	to := "9999-12-31"
	if iv.To != nil {
		to = iv.To.String()
	}
	overlapQuery := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE %s AND effective_from < ?
		  AND (effective_to IS NULL OR effective_to > ?)`,
		vt.table, keyWhere)
	args = append(append([]any{}, keyVals...), to, from)
	rows, err := tx.QueryContext(ctx, overlapQuery, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to check overlaps: %w", err)
	}
	var conflicts []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		conflicts = append(conflicts, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(conflicts) > 0 {
		return 0, &temporal.OverlapError{ConflictingIDs: conflicts}
	}

	// Step 3: insert
	id, err := insert(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit versioned insert: %w", err)
	}
	return id, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mustDate(s string) temporal.Date {
	d, err := temporal.ParseDate(s)
	if err != nil {
		return temporal.Date{}
	}
	return d
}

func scanInterval(from string, to sql.NullString) temporal.Interval {
	iv := temporal.Interval{From: mustDate(from)}
	if to.Valid {
		end := mustDate(to.String)
		iv.To = &end
	}
	return iv
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
