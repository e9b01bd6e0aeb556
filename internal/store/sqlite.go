package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"riskgate/internal/risk"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ RunStore = (*SQLiteStore)(nil)
var _ TriggerStore = (*SQLiteStore)(nil)

// SQLiteStore implements RunStore and TriggerStore backed by a SQLite
// database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS walkforward_runs (
	id               TEXT PRIMARY KEY,
	created_at       INTEGER NOT NULL,
	strategy         TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	robustness_score REAL NOT NULL,
	efficiency       REAL NOT NULL,
	oos_sharpe       REAL NOT NULL,
	total_trades     INTEGER NOT NULL,
	payload          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_walkforward_runs_created ON walkforward_runs (created_at);

CREATE TABLE IF NOT EXISTS breaker_triggers (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL,
	message           TEXT NOT NULL,
	at                INTEGER NOT NULL,
	equity            REAL NOT NULL,
	drawdown          REAL NOT NULL,
	cooldown_until    INTEGER NOT NULL,
	liquidated        INTEGER NOT NULL,
	liquidation_error TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_breaker_triggers_at ON breaker_triggers (at);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// tables, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts or replaces a walk-forward run.
func (s *SQLiteStore) SaveRun(ctx context.Context, rec *RunRecord) (string, error) {
	if rec == nil || rec.Result == nil {
		return "", fmt.Errorf("store: run has no result")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding run %s: %w", rec.ID, err)
	}

	r := rec.Result
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO walkforward_runs
		(id, created_at, strategy, symbol, robustness_score, efficiency, oos_sharpe, total_trades, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt.UnixMilli(), r.Strategy, r.Symbol, r.RobustnessScore,
		r.Efficiency, r.OutOfSampleSharpe, r.TotalTrades, string(payload))
	if err != nil {
		return "", fmt.Errorf("inserting run %s: %w", rec.ID, err)
	}
	return rec.ID, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM walkforward_runs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	var rec RunRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return &rec, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, strategy, symbol, robustness_score,
		efficiency, oos_sharpe, total_trades
		FROM walkforward_runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			created int64
		)
		if err := rows.Scan(&r.ID, &created, &r.Strategy, &r.Symbol, &r.RobustnessScore,
			&r.Efficiency, &r.OutOfSampleSharpe, &r.TotalTrades); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// TriggerStore implementation
// ---------------------------------------------------------------------------

// RecordTrigger persists a breaker trigger event.
func (s *SQLiteStore) RecordTrigger(ctx context.Context, ev risk.TriggerEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO breaker_triggers
		(id, type, message, at, equity, drawdown, cooldown_until, liquidated, liquidation_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.Message, ev.At.UnixMilli(), ev.Equity, ev.Drawdown,
		unixMilli(ev.CooldownUntil), ev.Liquidated, ev.LiquidationError)
	if err != nil {
		return fmt.Errorf("inserting trigger %s: %w", ev.ID, err)
	}
	return nil
}

// ListTriggers returns the most recent trigger events first.
func (s *SQLiteStore) ListTriggers(ctx context.Context, limit int) ([]risk.TriggerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, message, at, equity, drawdown,
		cooldown_until, liquidated, liquidation_error
		FROM breaker_triggers ORDER BY at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	defer rows.Close()

	var out []risk.TriggerEvent
	for rows.Next() {
		var (
			ev       risk.TriggerEvent
			typ      string
			at, cool int64
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.Message, &at, &ev.Equity, &ev.Drawdown,
			&cool, &ev.Liquidated, &ev.LiquidationError); err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		ev.Type = risk.TriggerType(typ)
		ev.At = time.UnixMilli(at).UTC()
		if cool != 0 {
			ev.CooldownUntil = time.UnixMilli(cool).UTC()
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
