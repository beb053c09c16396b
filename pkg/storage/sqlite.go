package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lexsight/lattice/pkg/domain"
)

// SQLiteConfig configures the SQLite audit sink.
type SQLiteConfig struct {
	// Path is the database file path. Required.
	Path string

	// MaxOpenConns caps the connection pool. Default 4.
	MaxOpenConns int

	// BusyTimeout is how long a locked database is retried before failing.
	// Default 5s.
	BusyTimeout time.Duration

	// Logger receives sink logs. Nil falls back to slog.Default().
	Logger *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	run_id        TEXT    NOT NULL,
	pass_index    INTEGER NOT NULL,
	order_index   INTEGER NOT NULL,
	constraint_id TEXT    NOT NULL,
	action_taken  TEXT    NOT NULL,
	input_hash    TEXT    NOT NULL,
	output_hash   TEXT    NOT NULL,
	recorded_at   TEXT    NOT NULL,
	detail        TEXT,
	PRIMARY KEY (run_id, pass_index, order_index)
);`

const sqliteInsert = `
INSERT INTO audit_events (
	run_id, pass_index, order_index, constraint_id, action_taken,
	input_hash, output_hash, recorded_at, detail
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink persists audit trails in a SQLite database. The primary key on
// (run_id, pass_index, order_index) makes the table append-only in practice:
// re-inserting an existing position fails instead of overwriting history.
type SQLiteSink struct {
	db     *sql.DB
	insert *sql.Stmt
	logger *slog.Logger
}

// NewSQLiteSink opens the database, enables WAL mode and prepares the
// insert statement.
func NewSQLiteSink(cfg SQLiteConfig) (*SQLiteSink, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage.sqlite", "path", cfg.Path)

	maxOpen := cfg.MaxOpenConns
	if maxOpen < 1 {
		maxOpen = 4
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeout.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	insert, err := db.Prepare(sqliteInsert)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare audit insert: %w", err)
	}

	logger.Info("sqlite audit sink ready", "max_open_conns", maxOpen)
	return &SQLiteSink{db: db, insert: insert, logger: logger}, nil
}

// Write persists the trail in a single transaction, so a run's events land
// all-or-nothing.
func (s *SQLiteSink) Write(ctx context.Context, trail []domain.AuditEvent) error {
	if len(trail) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", domain.ErrAuditRecording, err)
	}

	stmt := tx.StmtContext(ctx, s.insert)
	for i, event := range trail {
		var detail any
		if len(event.Detail) > 0 {
			raw, err := json.Marshal(event.Detail)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("%w: marshal detail for event %d: %v", domain.ErrAuditRecording, i, err)
			}
			detail = string(raw)
		}

		if _, err := stmt.ExecContext(ctx,
			event.RunID,
			event.PassIndex,
			event.OrderIndex,
			event.ConstraintID,
			string(event.ActionTaken),
			event.InputHash,
			event.OutputHash,
			event.Timestamp.UTC().Format(time.RFC3339Nano),
			detail,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: insert event %d of run %s: %v",
				domain.ErrAuditRecording, i, event.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit trail: %v", domain.ErrAuditRecording, err)
	}

	s.logger.Debug("trail persisted", "run_id", trail[0].RunID, "events", len(trail))
	return nil
}

// Trail loads one run's events ordered by (pass_index, order_index).
func (s *SQLiteSink) Trail(ctx context.Context, runID string) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, pass_index, order_index, constraint_id, action_taken,
		       input_hash, output_hash, recorded_at, detail
		FROM audit_events
		WHERE run_id = ?
		ORDER BY pass_index, order_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query trail: %w", err)
	}
	defer rows.Close()

	var trail []domain.AuditEvent
	for rows.Next() {
		var (
			event      domain.AuditEvent
			action     string
			recordedAt string
			detail     sql.NullString
		)
		if err := rows.Scan(
			&event.RunID, &event.PassIndex, &event.OrderIndex,
			&event.ConstraintID, &action,
			&event.InputHash, &event.OutputHash,
			&recordedAt, &detail,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.ActionTaken = domain.ActionTaken(action)
		if ts, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			event.Timestamp = ts
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &event.Detail); err != nil {
				return nil, fmt.Errorf("decode detail: %w", err)
			}
		}
		trail = append(trail, event)
	}
	return trail, rows.Err()
}

// RunIDs lists the distinct runs stored, ordered by run id.
func (s *SQLiteSink) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT run_id FROM audit_events ORDER BY run_id")
	if err != nil {
		return nil, fmt.Errorf("query run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the prepared statement and the database handle.
func (s *SQLiteSink) Close() error {
	if err := s.insert.Close(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}
