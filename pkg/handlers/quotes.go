package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/worker"
)

// gstBasisPoints is Australian GST, applied on top of the subtotal.
const gstBasisPoints = 1000

// Quotes implements the quotes.* tools.
type Quotes struct {
	domain Domain
	env    Env
}

// NewQuotes returns the quotes handler group.
func NewQuotes(domain Domain, env Env) *Quotes {
	return &Quotes{domain: domain, env: env}
}

// Create prices a quote from line items and stores it as a draft.
func (h *Quotes) Create(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	leadID := str(input, "lead_id")
	if _, err := h.domain.LeadByID(ctx, leadID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return contracts.Failure{
				Code:    contracts.CodeExecutionError,
				Message: "lead not found",
				Details: map[string]any{"lead_id": leadID},
			}
		}
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("look up lead: %v", err),
		}
	}

	var items []QuoteItem
	var subtotal int64
	for _, raw := range sliceField(input, "items") {
		m, _ := raw.(map[string]any)
		item := QuoteItem{
			Description: str(m, "description"),
			Quantity:    intField(m, "quantity"),
			UnitCents:   int64Field(m, "unit_cents"),
		}
		if item.Quantity <= 0 {
			item.Quantity = 1
		}
		items = append(items, item)
		subtotal += int64(item.Quantity) * item.UnitCents
	}
	gst := subtotal * gstBasisPoints / 10000

	q := &Quote{
		ID:            uuid.NewString(),
		LeadID:        leadID,
		Items:         items,
		SubtotalCents: subtotal,
		GSTCents:      gst,
		TotalCents:    subtotal + gst,
		Status:        "draft",
	}
	if err := h.domain.CreateQuote(ctx, q); err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("create quote: %v", err),
		}
	}
	return contracts.Success{
		Result: map[string]any{
			"quote_id":       q.ID,
			"lead_id":        leadID,
			"subtotal_cents": q.SubtotalCents,
			"gst_cents":      q.GSTCents,
			"total_cents":    q.TotalCents,
			"status":         q.Status,
		},
		Effects: contracts.Effects{
			DBReads:  []contracts.DBRead{{Table: "leads", ID: leadID}},
			DBWrites: []contracts.DBWrite{{Table: "quotes", Action: "insert", ID: q.ID}},
		},
	}
}

// Send delivers a quote to its lead over SMS and marks it sent. Requires the
// SMS integration to be configured.
func (h *Quotes) Send(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	if !h.env.has("TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER") {
		return contracts.NotConfigured{
			Reason:      "SMS integration is not configured, so quotes cannot be delivered",
			RequiredEnv: []string{"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER"},
			NextSteps: []string{
				"Create a Twilio account and provision an outbound number",
				"Set TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER",
			},
		}
	}

	quoteID := str(input, "quote_id")
	q, err := h.domain.QuoteByID(ctx, quoteID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return contracts.Failure{
				Code:    contracts.CodeExecutionError,
				Message: "quote not found",
				Details: map[string]any{"quote_id": quoteID},
			}
		}
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("look up quote: %v", err),
		}
	}
	lead, err := h.domain.LeadByID(ctx, q.LeadID)
	if err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("look up quote lead: %v", err),
		}
	}

	ref := uuid.NewString()
	entry := &CommEntry{
		ID:        ref,
		LeadID:    lead.ID,
		Channel:   "sms",
		Direction: "outbound",
		To:        lead.Phone,
		Summary:   fmt.Sprintf("Sent quote %s, total $%.2f", q.ID, float64(q.TotalCents)/100),
	}
	if err := h.domain.LogComm(ctx, entry); err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("log quote delivery: %v", err),
		}
	}
	if err := h.domain.MarkQuoteSent(ctx, quoteID); err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("mark quote sent: %v", err),
		}
	}
	return contracts.Success{
		Result: map[string]any{
			"quote_id": quoteID,
			"status":   "sent",
			"to":       lead.Phone,
		},
		Effects: contracts.Effects{
			DBReads: []contracts.DBRead{
				{Table: "quotes", ID: quoteID},
				{Table: "leads", ID: lead.ID},
			},
			DBWrites: []contracts.DBWrite{
				{Table: "comms", Action: "insert", ID: ref},
				{Table: "quotes", Action: "update", ID: quoteID},
			},
			// No provider call is made; the comms row is the delivery record.
			MessagesSent: []contracts.MessageSent{{Channel: "sms", To: lead.Phone, Ref: ref}},
		},
	}
}
