package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore is the production Store. The claim uses
// FOR UPDATE SKIP LOCKED so concurrent workers never double-fire on a row.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL and migrates the schema.
func OpenPostgres(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an existing database handle and migrates it.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so domain tables can share the database.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		input JSONB NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		claimed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		requeue_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_calls_status_created ON calls(status, created_at);

	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL UNIQUE,
		tool_name TEXT NOT NULL,
		status TEXT NOT NULL,
		result JSONB NOT NULL,
		effects JSONB NOT NULL,
		idem_key_field TEXT NOT NULL DEFAULT '',
		idem_key_value TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_key
		ON receipts(tool_name, idem_key_field, idem_key_value, status);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		message TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		decision TEXT NOT NULL DEFAULT '',
		planned JSONB NOT NULL DEFAULT '[]',
		enqueued JSONB NOT NULL DEFAULT '[]',
		assistant_message TEXT NOT NULL DEFAULT '',
		errors JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) InsertCall(ctx context.Context, call *contracts.Call) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		call.ID, call.ToolName, inputJSON, call.IdempotencyKey, call.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (*contracts.Call, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
	return scanPGCall(row)
}

func (s *PostgresStore) ClaimNextCall(ctx context.Context, workerID string) (*contracts.Call, error) {
	// SKIP LOCKED prevents double-claiming across concurrent workers.
	row := s.db.QueryRowContext(ctx, `
		UPDATE calls SET status = 'claimed', worker_id = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM calls WHERE status = 'queued'
			ORDER BY created_at ASC LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING `+callColumns,
		workerID,
	)
	call, err := scanPGCall(row)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrEmptyQueue
		}
		return nil, err
	}
	return call, nil
}

func (s *PostgresStore) MarkCallRunning(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
		UPDATE calls SET status = 'running', updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'not_configured')`, id)
}

func (s *PostgresStore) CompleteCall(ctx context.Context, id string, status contracts.CallStatus, errMsg string) error {
	return s.transition(ctx, id, `
		UPDATE calls SET status = $2, error = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'not_configured')`, id, status, errMsg)
}

func (s *PostgresStore) RequeueCall(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
		UPDATE calls SET status = 'queued', worker_id = '', claimed_at = NULL,
			requeue_count = requeue_count + 1, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'not_configured')`, id)
}

func (s *PostgresStore) transition(ctx context.Context, id, query string, args ...any) error {
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

func (s *PostgresStore) StaleCalls(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM calls
		WHERE status IN ('claimed', 'running') AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`,
		cutoff, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanPGCalls(rows)
}

func (s *PostgresStore) NonTerminalCallsWithReceipts(ctx context.Context, limit int) ([]*contracts.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed(callColumns, "c.")+` FROM calls c
		JOIN receipts r ON r.call_id = c.id
		WHERE c.status NOT IN ('succeeded', 'failed', 'not_configured')
		LIMIT $1`, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanPGCalls(rows)
}

func (s *PostgresStore) TerminalCallsWithoutReceipts(ctx context.Context, limit int) ([]*contracts.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed(callColumns, "c.")+` FROM calls c
		LEFT JOIN receipts r ON r.call_id = c.id
		WHERE c.status IN ('succeeded', 'failed', 'not_configured') AND r.call_id IS NULL
		LIMIT $1`, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanPGCalls(rows)
}

func (s *PostgresStore) WriteReceipt(ctx context.Context, r *contracts.Receipt) error {
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
		INSERT INTO receipts
			(id, call_id, tool_name, status, result, effects, idem_key_field, idem_key_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO NOTHING`,
		r.ID, r.CallID, r.ToolName, r.Status, resultJSON, effectsJSON,
		r.Effects.Idempotency.KeyField, r.Effects.Idempotency.KeyValue, r.CreatedAt,
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

func (s *PostgresStore) ReceiptByCallID(ctx context.Context, callID string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE call_id = $1`, callID)
	return scanPGReceipt(row)
}

func (s *PostgresStore) ReceiptByKey(ctx context.Context, toolName, keyField, keyValue string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tool_name = $1 AND idem_key_field = $2 AND idem_key_value = $3 AND status = 'succeeded'
		ORDER BY created_at DESC LIMIT 1`,
		toolName, keyField, keyValue,
	)
	return scanPGReceipt(row)
}

func (s *PostgresStore) RecentReceipts(ctx context.Context, f RecentFilter) ([]*contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts`
	var where []string
	var args []any
	if f.ToolName != "" {
		args = append(args, f.ToolName)
		where = append(where, fmt.Sprintf("tool_name = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(f.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanPGReceipts(rows)
}

func (s *PostgresStore) ReceiptsSince(ctx context.Context, since time.Time, limit int) ([]*contracts.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE created_at > $1 ORDER BY created_at ASC LIMIT $2`,
		since, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanPGReceipts(rows)
}

func (s *PostgresStore) InsertRun(ctx context.Context, run *contracts.Run) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.Message, run.Mode, run.Status, run.Decision,
		planned, enqueued, run.AssistantMessage, errsJSON, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *contracts.Run) error {
	run.UpdatedAt = time.Now().UTC()
	planned, enqueued, errsJSON, err := encodeRunFields(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, decision = $3, planned = $4, enqueued = $5,
			assistant_message = $6, errors = $7, updated_at = $8
		WHERE id = $1`,
		run.ID, run.Status, run.Decision, planned, enqueued,
		run.AssistantMessage, errsJSON, run.UpdatedAt,
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

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*contracts.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message, mode, status, decision, planned, enqueued, assistant_message, errors, created_at, updated_at
		FROM runs WHERE id = $1`, id)
	return scanPGRun(row)
}

func scanPGCall(row rowScanner) (*contracts.Call, error) {
	var (
		c         contracts.Call
		inputJSON []byte
		claimedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ToolName, &inputJSON, &c.IdempotencyKey, &c.Status,
		&c.WorkerID, &claimedAt, &c.CreatedAt, &c.UpdatedAt, &c.RequeueCount, &c.Error)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(inputJSON, &c.Input); err != nil {
		return nil, fmt.Errorf("corrupt call input JSON for %s: %w", c.ID, err)
	}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		c.ClaimedAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func scanPGCalls(rows *sql.Rows) ([]*contracts.Call, error) {
	defer func() { _ = rows.Close() }()
	var out []*contracts.Call
	for rows.Next() {
		c, err := scanPGCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanPGReceipt(row rowScanner) (*contracts.Receipt, error) {
	var (
		r           contracts.Receipt
		resultJSON  []byte
		effectsJSON []byte
	)
	err := row.Scan(&r.ID, &r.CallID, &r.ToolName, &r.Status, &resultJSON, &effectsJSON, &r.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(resultJSON, &r.Result); err != nil {
		return nil, fmt.Errorf("corrupt receipt result JSON for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(effectsJSON, &r.Effects); err != nil {
		return nil, fmt.Errorf("corrupt receipt effects JSON for %s: %w", r.ID, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func scanPGReceipts(rows *sql.Rows) ([]*contracts.Receipt, error) {
	defer func() { _ = rows.Close() }()
	var out []*contracts.Receipt
	for rows.Next() {
		r, err := scanPGReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanPGRun(row rowScanner) (*contracts.Run, error) {
	var (
		r            contracts.Run
		plannedJSON  []byte
		enqueuedJSON []byte
		errsJSON     []byte
	)
	err := row.Scan(&r.ID, &r.Message, &r.Mode, &r.Status, &r.Decision,
		&plannedJSON, &enqueuedJSON, &r.AssistantMessage, &errsJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(plannedJSON, &r.PlannedToolCalls); err != nil {
		return nil, fmt.Errorf("corrupt run planned JSON for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(enqueuedJSON, &r.EnqueuedCallIDs); err != nil {
		return nil, fmt.Errorf("corrupt run enqueued JSON for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(errsJSON, &r.Errors); err != nil {
		return nil, fmt.Errorf("corrupt run errors JSON for %s: %w", r.ID, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}
