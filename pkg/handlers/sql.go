package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Dialect selects placeholder style for SQLDomain queries.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLDomain stores domain rows alongside the substrate tables. The schema
// sticks to types both SQLite and Postgres accept: RFC3339 text timestamps,
// JSON text columns for items and measurements.
type SQLDomain struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLDomain migrates the domain tables and returns the store.
func NewSQLDomain(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLDomain, error) {
	d := &SQLDomain{db: db, dialect: dialect}
	if err := d.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate domain tables: %w", err)
	}
	return d, nil
}

// q rewrites ? placeholders to $n for Postgres.
func (d *SQLDomain) q(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *SQLDomain) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT NOT NULL,
			suburb TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_phone ON leads(phone)`,
		`CREATE TABLE IF NOT EXISTS inspections (
			id TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			status TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			measurements TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quotes (
			id TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL,
			items TEXT NOT NULL,
			subtotal_cents INTEGER NOT NULL,
			gst_cents INTEGER NOT NULL,
			total_cents INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS comms (
			id TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			direction TEXT NOT NULL,
			recipient TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			due_at TEXT,
			status TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d *SQLDomain) CreateLead(ctx context.Context, lead *Lead) error {
	ts := time.Now().UTC()
	lead.CreatedAt, lead.UpdatedAt = ts, ts
	_, err := d.db.ExecContext(ctx,
		d.q(`INSERT INTO leads (id, name, phone, suburb, source, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		lead.ID, lead.Name, lead.Phone, lead.Suburb, lead.Source, lead.Status,
		fmtTime(lead.CreatedAt), fmtTime(lead.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

func (d *SQLDomain) LeadByID(ctx context.Context, id string) (*Lead, error) {
	row := d.db.QueryRowContext(ctx,
		d.q(`SELECT id, name, phone, suburb, source, status, created_at, updated_at
		 FROM leads WHERE id = ?`), id)
	return scanLead(row)
}

func scanLead(row interface{ Scan(...any) error }) (*Lead, error) {
	var lead Lead
	var created, updated string
	err := row.Scan(&lead.ID, &lead.Name, &lead.Phone, &lead.Suburb, &lead.Source,
		&lead.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan lead: %w", err)
	}
	lead.CreatedAt = parseStamp(created)
	lead.UpdatedAt = parseStamp(updated)
	return &lead, nil
}

func (d *SQLDomain) UpdateLeadStatus(ctx context.Context, id, status string) error {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`),
		status, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *SQLDomain) SearchLeads(ctx context.Context, q LeadQuery) ([]*Lead, error) {
	query := `SELECT id, name, phone, suburb, source, status, created_at, updated_at FROM leads`
	var clauses []string
	var args []any
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, q.Status)
	}
	if q.Suburb != "" {
		clauses = append(clauses, "LOWER(suburb) = LOWER(?)")
		args = append(args, q.Suburb)
	}
	if q.Text != "" {
		clauses = append(clauses, "(name LIKE ? OR phone LIKE ?)")
		pat := "%" + q.Text + "%"
		args = append(args, pat, pat)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("search leads: %w", err)
	}
	defer rows.Close()
	var out []*Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

func (d *SQLDomain) CreateInspection(ctx context.Context, ins *Inspection) error {
	ts := time.Now().UTC()
	ins.CreatedAt, ins.UpdatedAt = ts, ts
	meas, err := json.Marshal(orEmptyMap(ins.Measurements))
	if err != nil {
		return fmt.Errorf("marshal measurements: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		d.q(`INSERT INTO inspections (id, lead_id, scheduled_at, status, notes, measurements, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ins.ID, ins.LeadID, fmtTime(ins.ScheduledAt), ins.Status, ins.Notes, string(meas),
		fmtTime(ins.CreatedAt), fmtTime(ins.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert inspection: %w", err)
	}
	return nil
}

func (d *SQLDomain) InspectionByID(ctx context.Context, id string) (*Inspection, error) {
	row := d.db.QueryRowContext(ctx,
		d.q(`SELECT id, lead_id, scheduled_at, status, notes, measurements, created_at, updated_at
		 FROM inspections WHERE id = ?`), id)
	var ins Inspection
	var scheduled, meas, created, updated string
	err := row.Scan(&ins.ID, &ins.LeadID, &scheduled, &ins.Status, &ins.Notes, &meas, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan inspection: %w", err)
	}
	ins.ScheduledAt = parseStamp(scheduled)
	ins.CreatedAt = parseStamp(created)
	ins.UpdatedAt = parseStamp(updated)
	if err := json.Unmarshal([]byte(meas), &ins.Measurements); err != nil {
		return nil, fmt.Errorf("unmarshal measurements: %w", err)
	}
	return &ins, nil
}

func (d *SQLDomain) CompleteInspection(ctx context.Context, id, notes string, measurements map[string]any) error {
	meas, err := json.Marshal(orEmptyMap(measurements))
	if err != nil {
		return fmt.Errorf("marshal measurements: %w", err)
	}
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE inspections SET status = 'completed', notes = ?, measurements = ?, updated_at = ? WHERE id = ?`),
		notes, string(meas), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("complete inspection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *SQLDomain) CreateQuote(ctx context.Context, q *Quote) error {
	ts := time.Now().UTC()
	q.CreatedAt, q.UpdatedAt = ts, ts
	items, err := json.Marshal(q.Items)
	if err != nil {
		return fmt.Errorf("marshal quote items: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		d.q(`INSERT INTO quotes (id, lead_id, items, subtotal_cents, gst_cents, total_cents, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		q.ID, q.LeadID, string(items), q.SubtotalCents, q.GSTCents, q.TotalCents, q.Status,
		fmtTime(q.CreatedAt), fmtTime(q.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}

func (d *SQLDomain) QuoteByID(ctx context.Context, id string) (*Quote, error) {
	row := d.db.QueryRowContext(ctx,
		d.q(`SELECT id, lead_id, items, subtotal_cents, gst_cents, total_cents, status, created_at, updated_at
		 FROM quotes WHERE id = ?`), id)
	var q Quote
	var items, created, updated string
	err := row.Scan(&q.ID, &q.LeadID, &items, &q.SubtotalCents, &q.GSTCents, &q.TotalCents,
		&q.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan quote: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &q.Items); err != nil {
		return nil, fmt.Errorf("unmarshal quote items: %w", err)
	}
	q.CreatedAt = parseStamp(created)
	q.UpdatedAt = parseStamp(updated)
	return &q, nil
}

func (d *SQLDomain) MarkQuoteSent(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE quotes SET status = 'sent', updated_at = ? WHERE id = ?`),
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark quote sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *SQLDomain) LogComm(ctx context.Context, entry *CommEntry) error {
	entry.CreatedAt = time.Now().UTC()
	_, err := d.db.ExecContext(ctx,
		d.q(`INSERT INTO comms (id, lead_id, channel, direction, recipient, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.LeadID, entry.Channel, entry.Direction, entry.To, entry.Summary,
		fmtTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert comm entry: %w", err)
	}
	return nil
}

func (d *SQLDomain) CreateTask(ctx context.Context, task *Task) error {
	ts := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = ts, ts
	var due any
	if task.DueAt != nil {
		due = fmtTime(*task.DueAt)
	}
	_, err := d.db.ExecContext(ctx,
		d.q(`INSERT INTO tasks (id, title, domain, due_at, status, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID, task.Title, task.Domain, due, task.Status, task.Notes,
		fmtTime(task.CreatedAt), fmtTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (d *SQLDomain) CompleteTask(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE tasks SET status = 'done', updated_at = ? WHERE id = ?`),
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *SQLDomain) ListTasks(ctx context.Context, q TaskQuery) ([]*Task, error) {
	query := `SELECT id, title, domain, due_at, status, notes, created_at, updated_at FROM tasks`
	var clauses []string
	var args []any
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, q.Status)
	}
	if q.Domain != "" {
		clauses = append(clauses, "domain = ?")
		args = append(args, q.Domain)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		var task Task
		var due sql.NullString
		var created, updated string
		if err := rows.Scan(&task.ID, &task.Title, &task.Domain, &due, &task.Status,
			&task.Notes, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if due.Valid {
			t := parseStamp(due.String)
			task.DueAt = &t
		}
		task.CreatedAt = parseStamp(created)
		task.UpdatedAt = parseStamp(updated)
		out = append(out, &task)
	}
	return out, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
