// Package handlers implements the built-in tool handlers for the business
// domains: leads, inspections, quotes, comms and tasks. Handlers reach domain
// tables only through the Domain port and declare every mutation in the
// receipt effects.
package handlers

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Domain lookups for missing rows.
var ErrNotFound = errors.New("not found")

// Lead is a prospective customer.
type Lead struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Suburb    string    `json:"suburb,omitempty"`
	Source    string    `json:"source,omitempty"`
	Status    string    `json:"status"` // new, contacted, qualified, won, lost
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Inspection is a scheduled site visit for a lead.
type Inspection struct {
	ID           string         `json:"id"`
	LeadID       string         `json:"lead_id"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	Status       string         `json:"status"` // scheduled, completed, cancelled
	Notes        string         `json:"notes,omitempty"`
	Measurements map[string]any `json:"measurements,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// QuoteItem is one line of a quote. Money is in cents.
type QuoteItem struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitCents   int64  `json:"unit_cents"`
}

// Quote is a priced offer for a lead.
type Quote struct {
	ID            string      `json:"id"`
	LeadID        string      `json:"lead_id"`
	Items         []QuoteItem `json:"items"`
	SubtotalCents int64       `json:"subtotal_cents"`
	GSTCents      int64       `json:"gst_cents"`
	TotalCents    int64       `json:"total_cents"`
	Status        string      `json:"status"` // draft, sent, accepted, declined
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// CommEntry is a logged communication with a lead.
type CommEntry struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"lead_id,omitempty"`
	Channel   string    `json:"channel"`   // sms, email, call
	Direction string    `json:"direction"` // inbound, outbound
	To        string    `json:"to,omitempty"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is an internal to-do item.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Domain    string     `json:"domain,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	Status    string     `json:"status"` // open, done
	Notes     string     `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// LeadQuery narrows lead searches.
type LeadQuery struct {
	Status string
	Suburb string
	Text   string
	Limit  int
}

// TaskQuery narrows task listings.
type TaskQuery struct {
	Status string
	Domain string
	Limit  int
}

// Domain is the narrowed datastore port handlers receive. No handler reaches
// through to arbitrary datastore capabilities.
type Domain interface {
	CreateLead(ctx context.Context, lead *Lead) error
	LeadByID(ctx context.Context, id string) (*Lead, error)
	UpdateLeadStatus(ctx context.Context, id, status string) error
	SearchLeads(ctx context.Context, q LeadQuery) ([]*Lead, error)

	CreateInspection(ctx context.Context, ins *Inspection) error
	InspectionByID(ctx context.Context, id string) (*Inspection, error)
	CompleteInspection(ctx context.Context, id, notes string, measurements map[string]any) error

	CreateQuote(ctx context.Context, q *Quote) error
	QuoteByID(ctx context.Context, id string) (*Quote, error)
	MarkQuoteSent(ctx context.Context, id string) error

	LogComm(ctx context.Context, entry *CommEntry) error

	CreateTask(ctx context.Context, task *Task) error
	CompleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, q TaskQuery) ([]*Task, error)
}

// Env abstracts environment lookup so not_configured paths are testable.
type Env func(key string) string

func (e Env) has(keys ...string) bool {
	for _, k := range keys {
		if e(k) == "" {
			return false
		}
	}
	return true
}
