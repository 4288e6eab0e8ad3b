package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/worker"
)

// Inspections implements the inspections.* tools.
type Inspections struct {
	domain Domain
}

// NewInspections returns the inspections handler group.
func NewInspections(domain Domain) *Inspections {
	return &Inspections{domain: domain}
}

// Schedule books a site visit for an existing lead.
func (h *Inspections) Schedule(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
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
	scheduledAt, ok := timeField(input, "scheduled_at")
	if !ok {
		scheduledAt = time.Now().UTC().Add(24 * time.Hour)
	}
	ins := &Inspection{
		ID:          uuid.NewString(),
		LeadID:      leadID,
		ScheduledAt: scheduledAt,
		Status:      "scheduled",
		Notes:       str(input, "notes"),
	}
	if err := h.domain.CreateInspection(ctx, ins); err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("create inspection: %v", err),
		}
	}
	return contracts.Success{
		Result: map[string]any{
			"inspection_id": ins.ID,
			"lead_id":       leadID,
			"scheduled_at":  ins.ScheduledAt.Format(time.RFC3339),
			"status":        ins.Status,
		},
		Effects: contracts.Effects{
			DBReads:  []contracts.DBRead{{Table: "leads", ID: leadID}},
			DBWrites: []contracts.DBWrite{{Table: "inspections", Action: "insert", ID: ins.ID}},
		},
	}
}

// Complete records the outcome of a finished site visit.
func (h *Inspections) Complete(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	inspectionID := str(input, "inspection_id")
	notes := str(input, "notes")
	measurements := mapField(input, "measurements")
	if err := h.domain.CompleteInspection(ctx, inspectionID, notes, measurements); err != nil {
		if errors.Is(err, ErrNotFound) {
			return contracts.Failure{
				Code:    contracts.CodeExecutionError,
				Message: "inspection not found",
				Details: map[string]any{"inspection_id": inspectionID},
			}
		}
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("complete inspection: %v", err),
		}
	}
	return contracts.Success{
		Result: map[string]any{
			"inspection_id": inspectionID,
			"status":        "completed",
		},
		Effects: contracts.Effects{
			DBWrites: []contracts.DBWrite{{Table: "inspections", Action: "update", ID: inspectionID}},
		},
	}
}
