/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (CellStore, BatchRecordStore,
  AuditStore) using SQLite. In production, the same patterns apply to
  PostgreSQL or a conditional-write KV store - only the dialect differs.

INTERFACES IMPLEMENTED:
  forecast.CellStore:        Cell reads + version-token conditional writes
  forecast.BatchRecordStore: Processed-batch records for idempotency replay
  forecast.AuditStore:       Append-only audit trail

CONDITIONAL WRITE:
  ApplyIf is a single UPDATE guarded by "last_updated = ?". SQLite
  serializes writers, so the compare and the write are atomic per cell -
  the one hard consistency requirement this engine places on its store.

KEY TABLES:
  cells:             Authoritative cell state, one row per coordinate
  processed_batches: Serialized results keyed by idempotency key,
                     short-lived (purged by the retention sweeper)
  audit_log:         One append-only row per processed batch

DECIMAL STORAGE:
  Monetary values are stored as TEXT and parsed with shopspring/decimal,
  never as REAL, so no precision is lost round-tripping.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, a single writer at a time.

USAGE:
  store, err := sqlite.New("./data/forecast.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  evaluator := forecast.NewEvaluator(store, store, store)

SEE ALSO:
  - forecast/store.go: Interface definitions
  - forecast/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/forecast-engine/forecast"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection to a plain :memory: DSN opens its own
		// empty database; pin the pool to one connection so the schema
		// from migrate() is the one every query sees.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Authoritative cell state, one row per coordinate
	CREATE TABLE IF NOT EXISTS cells (
		project_id   TEXT NOT NULL,
		category_id  TEXT NOT NULL,
		month_index  INTEGER NOT NULL,
		planned      TEXT NOT NULL DEFAULT '0',
		actual       TEXT NOT NULL DEFAULT '0',
		forecast     TEXT NOT NULL DEFAULT '0',
		last_updated TEXT NOT NULL,
		PRIMARY KEY (project_id, category_id, month_index)
	);

	-- Processed batches, kept short-lived for idempotency replay
	CREATE TABLE IF NOT EXISTS processed_batches (
		idempotency_key TEXT PRIMARY KEY,
		result_json     TEXT NOT NULL,
		processed_at    TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_batches_at
		ON processed_batches(processed_at);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id               TEXT PRIMARY KEY,
		idempotency_key  TEXT NOT NULL,
		retried_from_key TEXT NOT NULL DEFAULT '',
		principal        TEXT NOT NULL DEFAULT '',
		total_items      INTEGER NOT NULL,
		success_count    INTEGER NOT NULL,
		failure_count    INTEGER NOT NULL,
		processed_at     TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_key
		ON audit_log(idempotency_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CELL STORE
// =============================================================================

func (s *Store) GetCell(ctx context.Context, key forecast.CellKey) (forecast.Cell, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT planned, actual, forecast, last_updated
		FROM cells
		WHERE project_id = ? AND category_id = ? AND month_index = ?`,
		key.ProjectID, key.CategoryID, key.MonthIndex)

	var planned, actual, fc, token string
	if err := row.Scan(&planned, &actual, &fc, &token); err != nil {
		if err == sql.ErrNoRows {
			return forecast.Cell{}, forecast.ErrCellNotFound
		}
		return forecast.Cell{}, fmt.Errorf("failed to read cell: %w", err)
	}
	return scanCell(key, planned, actual, fc, token)
}

func (s *Store) PutCell(ctx context.Context, cell forecast.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cells (project_id, category_id, month_index, planned, actual, forecast, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, category_id, month_index) DO UPDATE SET
			planned = excluded.planned,
			actual = excluded.actual,
			forecast = excluded.forecast,
			last_updated = excluded.last_updated`,
		cell.Key.ProjectID, cell.Key.CategoryID, cell.Key.MonthIndex,
		cell.Planned.String(), cell.Actual.String(), cell.Forecast.String(), cell.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to write cell: %w", err)
	}
	return nil
}

// ApplyIf writes only if the stored token still equals expectedToken.
// The guard rides inside the UPDATE itself, so the read-compare-write is
// atomic per cell.
func (s *Store) ApplyIf(ctx context.Context, cell forecast.Cell, expectedToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE cells
		SET planned = ?, actual = ?, forecast = ?, last_updated = ?
		WHERE project_id = ? AND category_id = ? AND month_index = ?
		  AND last_updated = ?`,
		cell.Planned.String(), cell.Actual.String(), cell.Forecast.String(), cell.LastUpdated,
		cell.Key.ProjectID, cell.Key.CategoryID, cell.Key.MonthIndex,
		expectedToken)
	if err != nil {
		return fmt.Errorf("failed to apply conditional write: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check conditional write: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// No row matched: either the cell is missing or the token moved.
	var current string
	row := s.db.QueryRowContext(ctx, `
		SELECT last_updated FROM cells
		WHERE project_id = ? AND category_id = ? AND month_index = ?`,
		cell.Key.ProjectID, cell.Key.CategoryID, cell.Key.MonthIndex)
	if err := row.Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return forecast.ErrCellNotFound
		}
		return fmt.Errorf("failed to read current token: %w", err)
	}
	return &forecast.ConflictError{Key: cell.Key, Expected: expectedToken, Current: current}
}

func (s *Store) ListCells(ctx context.Context, projectID string) ([]forecast.Cell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category_id, month_index, planned, actual, forecast, last_updated
		FROM cells
		WHERE project_id = ?
		ORDER BY category_id, month_index`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cells: %w", err)
	}
	defer rows.Close()

	var cells []forecast.Cell
	for rows.Next() {
		var categoryID, planned, actual, fc, token string
		var monthIndex int
		if err := rows.Scan(&categoryID, &monthIndex, &planned, &actual, &fc, &token); err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		key := forecast.CellKey{ProjectID: projectID, CategoryID: categoryID, MonthIndex: monthIndex}
		cell, err := scanCell(key, planned, actual, fc, token)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

func scanCell(key forecast.CellKey, planned, actual, fc, token string) (forecast.Cell, error) {
	p, err := decimal.NewFromString(planned)
	if err != nil {
		return forecast.Cell{}, fmt.Errorf("cell %s: bad planned value %q: %w", key, planned, err)
	}
	a, err := decimal.NewFromString(actual)
	if err != nil {
		return forecast.Cell{}, fmt.Errorf("cell %s: bad actual value %q: %w", key, actual, err)
	}
	f, err := decimal.NewFromString(fc)
	if err != nil {
		return forecast.Cell{}, fmt.Errorf("cell %s: bad forecast value %q: %w", key, fc, err)
	}
	return forecast.Cell{Key: key, Planned: p, Actual: a, Forecast: f, LastUpdated: token}, nil
}

// =============================================================================
// BATCH RECORD STORE - Idempotency replay
// =============================================================================

func (s *Store) LookupBatch(ctx context.Context, idempotencyKey string) (*forecast.BatchResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT result_json FROM processed_batches WHERE idempotency_key = ?`,
		idempotencyKey)

	var resultJSON string
	if err := row.Scan(&resultJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up batch: %w", err)
	}

	var result forecast.BatchResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to decode stored batch result: %w", err)
	}
	return &result, nil
}

func (s *Store) SaveBatch(ctx context.Context, result forecast.BatchResult, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode batch result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processed_batches (idempotency_key, result_json, processed_at)
		VALUES (?, ?, ?)`,
		result.IdempotencyKey, string(resultJSON), processedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return forecast.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to save batch record: %w", err)
	}
	return nil
}

func (s *Store) PurgeBatchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_batches WHERE processed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge batch records: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// =============================================================================
// AUDIT STORE
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, rec forecast.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, idempotency_key, retried_from_key, principal,
			total_items, success_count, failure_count, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.IdempotencyKey, rec.RetriedFromKey, rec.Principal,
		rec.TotalItems, rec.SuccessCount, rec.FailureCount, rec.ProcessedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (s *Store) AuditsByKey(ctx context.Context, idempotencyKey string) ([]forecast.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, retried_from_key, principal,
			total_items, success_count, failure_count, processed_at
		FROM audit_log
		WHERE idempotency_key = ?
		ORDER BY processed_at`,
		idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var out []forecast.AuditRecord
	for rows.Next() {
		var rec forecast.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.IdempotencyKey, &rec.RetriedFromKey, &rec.Principal,
			&rec.TotalItems, &rec.SuccessCount, &rec.FailureCount, &rec.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// isUniqueViolation detects a primary-key clash without importing the
// driver's error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
