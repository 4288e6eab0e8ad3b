package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/worker"
)

// Leads implements the leads.* tools.
type Leads struct {
	domain Domain
}

// NewLeads returns the leads handler group.
func NewLeads(domain Domain) *Leads {
	return &Leads{domain: domain}
}

// Create inserts a new lead. The contract is keyed on phone, so the executor
// already deduplicated repeats before this runs.
func (l *Leads) Create(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	lead := &Lead{
		ID:     uuid.NewString(),
		Name:   str(input, "name"),
		Phone:  str(input, "phone"),
		Suburb: str(input, "suburb"),
		Source: strOr(input, "source", "manual"),
		Status: "new",
	}
	if err := l.domain.CreateLead(ctx, lead); err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("create lead: %v", err),
		}
	}
	return contracts.Success{
		Result: map[string]any{
			"lead_id": lead.ID,
			"status":  lead.Status,
		},
		Effects: contracts.Effects{
			DBWrites: []contracts.DBWrite{{Table: "leads", Action: "insert", ID: lead.ID}},
		},
	}
}

// UpdateStatus moves a lead through its pipeline.
func (l *Leads) UpdateStatus(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	leadID := str(input, "lead_id")
	status := str(input, "status")
	if err := l.domain.UpdateLeadStatus(ctx, leadID, status); err != nil {
		if errors.Is(err, ErrNotFound) {
			return contracts.Failure{
				Code:    contracts.CodeExecutionError,
				Message: "lead not found",
				Details: map[string]any{"lead_id": leadID},
			}
		}
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("update lead status: %v", err),
		}
	}
	return contracts.Success{
		Result: map[string]any{
			"lead_id": leadID,
			"status":  status,
		},
		Effects: contracts.Effects{
			DBWrites: []contracts.DBWrite{{Table: "leads", Action: "update", ID: leadID}},
		},
	}
}

// Search lists leads matching the filters. Read-only.
func (l *Leads) Search(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	q := LeadQuery{
		Status: str(input, "status"),
		Suburb: str(input, "suburb"),
		Text:   str(input, "query"),
		Limit:  intField(input, "limit"),
	}
	leads, err := l.domain.SearchLeads(ctx, q)
	if err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("search leads: %v", err),
		}
	}
	rows := make([]any, 0, len(leads))
	for _, lead := range leads {
		rows = append(rows, map[string]any{
			"lead_id": lead.ID,
			"name":    lead.Name,
			"phone":   lead.Phone,
			"suburb":  lead.Suburb,
			"status":  lead.Status,
		})
	}
	return contracts.Success{
		Result: map[string]any{
			"leads": rows,
			"count": len(rows),
		},
		Effects: contracts.Effects{
			DBReads: []contracts.DBRead{{Table: "leads"}},
		},
	}
}
