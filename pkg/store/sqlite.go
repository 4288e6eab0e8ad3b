package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by SQLite. Suitable for single-node
// deployments and integration tests; the single-statement UPDATE claim is
// atomic under SQLite's serialized writes.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at dsn and migrates it.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Concurrent writers on one file need a single connection.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing database handle and migrates it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so domain tables can share the database.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		input JSON NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		claimed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		requeue_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_calls_status_created ON calls(status, created_at);

	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL UNIQUE,
		tool_name TEXT NOT NULL,
		status TEXT NOT NULL,
		result JSON NOT NULL,
		effects JSON NOT NULL,
		idem_key_field TEXT NOT NULL DEFAULT '',
		idem_key_value TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_key
		ON receipts(tool_name, idem_key_field, idem_key_value, status);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		message TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		decision TEXT NOT NULL DEFAULT '',
		planned JSON NOT NULL DEFAULT '[]',
		enqueued JSON NOT NULL DEFAULT '[]',
		assistant_message TEXT NOT NULL DEFAULT '',
		errors JSON NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) InsertCall(ctx context.Context, call *contracts.Call) error {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	call.Status = contracts.CallQueued
	call.CreatedAt = now
	call.UpdatedAt = now

	inputJSON, err := marshalJSON(call.Input)
	if err != nil {
		return fmt.Errorf("encode call input: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calls (id, tool_name, input, idempotency_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.ToolName, inputJSON, call.IdempotencyKey, call.Status,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

const callColumns = `id, tool_name, input, idempotency_key, status, worker_id, claimed_at, created_at, updated_at, requeue_count, error`

func (s *SQLiteStore) GetCall(ctx context.Context, id string) (*contracts.Call, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id)
	return scanCall(row)
}

func (s *SQLiteStore) ClaimNextCall(ctx context.Context, workerID string) (*contracts.Call, error) {
	now := formatTime(time.Now().UTC())
	row := s.db.QueryRowContext(ctx, `
		UPDATE calls SET status = 'claimed', worker_id = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM calls WHERE status = 'queued'
			ORDER BY created_at ASC, id ASC LIMIT 1)
		RETURNING `+callColumns,
		workerID, now, now,
	)
	call, err := scanCall(row)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrEmptyQueue
		}
		return nil, err
	}
	return call, nil
}

func (s *SQLiteStore) MarkCallRunning(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
		UPDATE calls SET status = 'running', updated_at = ?
		WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'not_configured')`,
		formatTime(time.Now().UTC()), id)
}

func (s *SQLiteStore) CompleteCall(ctx context.Context, id string, status contracts.CallStatus, errMsg string) error {
	return s.transition(ctx, id, `
		UPDATE calls SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'not_configured')`,
		status, errMsg, formatTime(time.Now().UTC()), id)
}

func (s *SQLiteStore) RequeueCall(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
		UPDATE calls SET status = 'queued', worker_id = '', claimed_at = NULL,
			requeue_count = requeue_count + 1, updated_at = ?
		WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'not_configured')`,
		formatTime(time.Now().UTC()), id)
}

// transition runs a guarded status update and maps a zero-row result to
// ErrTerminal or ErrNotFound.
func (s *SQLiteStore) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition call %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetCall(ctx, id); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

func (s *SQLiteStore) StaleCalls(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM calls
		WHERE status IN ('claimed', 'running') AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`,
		formatTime(cutoff), limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func (s *SQLiteStore) NonTerminalCallsWithReceipts(ctx context.Context, limit int) ([]*contracts.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed(callColumns, "c.")+` FROM calls c
		JOIN receipts r ON r.call_id = c.id
		WHERE c.status NOT IN ('succeeded', 'failed', 'not_configured')
		LIMIT ?`, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func (s *SQLiteStore) TerminalCallsWithoutReceipts(ctx context.Context, limit int) ([]*contracts.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed(callColumns, "c.")+` FROM calls c
		LEFT JOIN receipts r ON r.call_id = c.id
		WHERE c.status IN ('succeeded', 'failed', 'not_configured') AND r.call_id IS NULL
		LIMIT ?`, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func (s *SQLiteStore) WriteReceipt(ctx context.Context, r *contracts.Receipt) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	resultJSON, err := marshalJSON(r.Result)
	if err != nil {
		return fmt.Errorf("encode receipt result: %w", err)
	}
	effectsJSON, err := marshalJSON(r.Effects)
	if err != nil {
		return fmt.Errorf("encode receipt effects: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO receipts
			(id, call_id, tool_name, status, result, effects, idem_key_field, idem_key_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CallID, r.ToolName, r.Status, resultJSON, effectsJSON,
		r.Effects.Idempotency.KeyField, r.Effects.Idempotency.KeyValue,
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateReceipt
	}
	return nil
}

const receiptColumns = `id, call_id, tool_name, status, result, effects, created_at`

func (s *SQLiteStore) ReceiptByCallID(ctx context.Context, callID string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE call_id = ?`, callID)
	return scanReceipt(row)
}

func (s *SQLiteStore) ReceiptByKey(ctx context.Context, toolName, keyField, keyValue string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tool_name = ? AND idem_key_field = ? AND idem_key_value = ? AND status = 'succeeded'
		ORDER BY created_at DESC LIMIT 1`,
		toolName, keyField, keyValue,
	)
	return scanReceipt(row)
}

func (s *SQLiteStore) RecentReceipts(ctx context.Context, f RecentFilter) ([]*contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts`
	var where []string
	var args []any
	if f.ToolName != "" {
		where = append(where, "tool_name = ?")
		args = append(args, f.ToolName)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanReceipts(rows)
}

func (s *SQLiteStore) ReceiptsSince(ctx context.Context, since time.Time, limit int) ([]*contracts.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE created_at > ? ORDER BY created_at ASC LIMIT ?`,
		formatTime(since), limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanReceipts(rows)
}

func (s *SQLiteStore) InsertRun(ctx context.Context, run *contracts.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	planned, enqueued, errsJSON, err := encodeRunFields(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, message, mode, status, decision, planned, enqueued, assistant_message, errors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Message, run.Mode, run.Status, run.Decision,
		planned, enqueued, run.AssistantMessage, errsJSON,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *contracts.Run) error {
	run.UpdatedAt = time.Now().UTC()
	planned, enqueued, errsJSON, err := encodeRunFields(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, decision = ?, planned = ?, enqueued = ?,
			assistant_message = ?, errors = ?, updated_at = ?
		WHERE id = ?`,
		run.Status, run.Decision, planned, enqueued,
		run.AssistantMessage, errsJSON, formatTime(run.UpdatedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*contracts.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message, mode, status, decision, planned, enqueued, assistant_message, errors, created_at, updated_at
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}
