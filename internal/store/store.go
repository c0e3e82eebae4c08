// Package store provides the single embedded relational store for
// decisions, trades, sessions, snapshots, caches, and entry dates.
//
// All schema creation is centralized here in a startup migration; no other
// package may create tables. Writes are short transactions under
// single-writer semantics (one pooled connection, WAL journal); readers
// may run concurrently from any worker.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// Store wraps the sqlite handle. Safe for concurrent use.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at dir/desk.db and runs
// migrations. Pass ":memory:" as dir for an ephemeral store in tests.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	var dsn string
	if dir == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path := filepath.Join(dir, "desk.db")
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer: sqlite serializes writes anyway; one connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS decisions (
		id            TEXT PRIMARY KEY,
		timestamp     TIMESTAMP NOT NULL,
		ticker        TEXT NOT NULL,
		decision      TEXT NOT NULL,
		conviction    TEXT,
		rationale     TEXT,
		latest_price  REAL,
		market_context TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id              TEXT PRIMARY KEY,
		decision_id     TEXT,
		timestamp       TIMESTAMP NOT NULL,
		ticker          TEXT NOT NULL,
		side            TEXT NOT NULL,
		quantity        TEXT NOT NULL,
		status          TEXT NOT NULL,
		broker_order_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades (timestamp)`,
	`CREATE TABLE IF NOT EXISTS trading_sessions (
		session_id            TEXT PRIMARY KEY,
		date                  TEXT NOT NULL UNIQUE,
		plan_generated_at     TIMESTAMP,
		plan_executed_at      TIMESTAMP,
		market_status         TEXT NOT NULL DEFAULT '',
		trades_submitted      INTEGER NOT NULL DEFAULT 0,
		user_override         INTEGER NOT NULL DEFAULT 0,
		circuit_breaker_level TEXT NOT NULL DEFAULT 'NORMAL',
		notes                 TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
		snapshot_id     TEXT PRIMARY KEY,
		timestamp       TIMESTAMP NOT NULL,
		total_value     TEXT NOT NULL,
		cash_balance    TEXT NOT NULL,
		equity_value    TEXT NOT NULL,
		buying_power    TEXT NOT NULL,
		positions_count INTEGER NOT NULL,
		daily_pl        TEXT NOT NULL,
		daily_pl_pct    REAL NOT NULL,
		source          TEXT NOT NULL,
		notes           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS entry_dates (
		ticker      TEXT PRIMARY KEY,
		entry_date  TEXT NOT NULL,
		shares      TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		stop_loss   TEXT NOT NULL DEFAULT '0',
		target      TEXT NOT NULL DEFAULT '0',
		updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS market_data_cache (
		ticker     TEXT NOT NULL,
		data_type  TEXT NOT NULL,
		data_json  TEXT NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		PRIMARY KEY (ticker, data_type)
	)`,
	`CREATE TABLE IF NOT EXISTS sentiment_cache (
		ticker              TEXT PRIMARY KEY,
		sentiment_score     REAL NOT NULL,
		news_summary        TEXT NOT NULL DEFAULT '',
		sentiment_reasoning TEXT NOT NULL DEFAULT '',
		fetched_at          TIMESTAMP NOT NULL,
		expires_at          TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS market_regime_assessments (
		assessment_id  TEXT PRIMARY KEY,
		date           TEXT NOT NULL,
		timestamp      TIMESTAMP NOT NULL,
		spy_price      REAL,
		spy_change_pct REAL,
		vix_level      REAL,
		vix_change_pct REAL,
		regime         TEXT NOT NULL,
		confidence     REAL NOT NULL,
		recommendation TEXT NOT NULL,
		reasoning      TEXT NOT NULL DEFAULT ''
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// nowUTC truncates to the second so round-trips through sqlite compare equal.
func nowUTC() time.Time { return time.Now().UTC().Truncate(time.Second) }
