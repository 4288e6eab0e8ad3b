package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ", ")
}

// scanCall reads a call row with text timestamps (SQLite layout).
func scanCall(row rowScanner) (*contracts.Call, error) {
	var (
		c         contracts.Call
		inputJSON string
		claimedAt sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&c.ID, &c.ToolName, &inputJSON, &c.IdempotencyKey, &c.Status,
		&c.WorkerID, &claimedAt, &createdAt, &updatedAt, &c.RequeueCount, &c.Error)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputJSON), &c.Input); err != nil {
		return nil, fmt.Errorf("corrupt call input JSON for %s: %w", c.ID, err)
	}
	if claimedAt.Valid && claimedAt.String != "" {
		t := parseTime(claimedAt.String)
		c.ClaimedAt = &t
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func scanCalls(rows *sql.Rows) ([]*contracts.Call, error) {
	defer func() { _ = rows.Close() }()
	var out []*contracts.Call
	for rows.Next() {
		c, err := scanCall(rows)
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

// scanReceipt reads a receipt row with text timestamps (SQLite layout).
func scanReceipt(row rowScanner) (*contracts.Receipt, error) {
	var (
		r           contracts.Receipt
		resultJSON  string
		effectsJSON string
		createdAt   string
	)
	err := row.Scan(&r.ID, &r.CallID, &r.ToolName, &r.Status, &resultJSON, &effectsJSON, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(resultJSON), &r.Result); err != nil {
		return nil, fmt.Errorf("corrupt receipt result JSON for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(effectsJSON), &r.Effects); err != nil {
		return nil, fmt.Errorf("corrupt receipt effects JSON for %s: %w", r.ID, err)
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func scanReceipts(rows *sql.Rows) ([]*contracts.Receipt, error) {
	defer func() { _ = rows.Close() }()
	var out []*contracts.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
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

func encodeRunFields(run *contracts.Run) (planned, enqueued, errs string, err error) {
	plannedJSON, err := json.Marshal(orEmptyPlanned(run.PlannedToolCalls))
	if err != nil {
		return "", "", "", fmt.Errorf("encode run planned calls: %w", err)
	}
	enqueuedJSON, err := json.Marshal(orEmptyStrings(run.EnqueuedCallIDs))
	if err != nil {
		return "", "", "", fmt.Errorf("encode run call ids: %w", err)
	}
	errsJSON, err := json.Marshal(orEmptyStrings(run.Errors))
	if err != nil {
		return "", "", "", fmt.Errorf("encode run errors: %w", err)
	}
	return string(plannedJSON), string(enqueuedJSON), string(errsJSON), nil
}

func orEmptyPlanned(v []contracts.PlannedCall) []contracts.PlannedCall {
	if v == nil {
		return []contracts.PlannedCall{}
	}
	return v
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// scanRun reads a run row with text timestamps (SQLite layout).
func scanRun(row rowScanner) (*contracts.Run, error) {
	var (
		r            contracts.Run
		plannedJSON  string
		enqueuedJSON string
		errsJSON     string
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&r.ID, &r.Message, &r.Mode, &r.Status, &r.Decision,
		&plannedJSON, &enqueuedJSON, &r.AssistantMessage, &errsJSON, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(plannedJSON), &r.PlannedToolCalls); err != nil {
		return nil, fmt.Errorf("corrupt run planned JSON for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(enqueuedJSON), &r.EnqueuedCallIDs); err != nil {
		return nil, fmt.Errorf("corrupt run enqueued JSON for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(errsJSON), &r.Errors); err != nil {
		return nil, fmt.Errorf("corrupt run errors JSON for %s: %w", r.ID, err)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}
