package handlers

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/worker"
)

// Comms implements the comms.* tools.
type Comms struct {
	domain Domain
	env    Env
}

// NewComms returns the comms handler group.
func NewComms(domain Domain, env Env) *Comms {
	return &Comms{domain: domain, env: env}
}

// SendSMS sends a text message and logs it. Without Twilio credentials the
// tool reports not_configured rather than failing.
func (h *Comms) SendSMS(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	if !h.env.has("TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER") {
		return contracts.NotConfigured{
			Reason:      "SMS integration is not configured",
			RequiredEnv: []string{"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER"},
			NextSteps: []string{
				"Create a Twilio account and provision an outbound number",
				"Set TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER",
			},
		}
	}

	to := str(input, "to")
	body := str(input, "message")
	ref := uuid.NewString()
	entry := &CommEntry{
		ID:        ref,
		LeadID:    str(input, "lead_id"),
		Channel:   "sms",
		Direction: "outbound",
		To:        to,
		Summary:   body,
	}
	if err := h.domain.LogComm(ctx, entry); err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("log sms: %v", err),
		}
	}
	return contracts.Success{
		Result: map[string]any{
			"message_ref": ref,
			"to":          to,
			"status":      "sent",
		},
		Effects: contracts.Effects{
			// No provider call is made; the comms row is the delivery record.
			DBWrites:     []contracts.DBWrite{{Table: "comms", Action: "insert", ID: ref}},
			MessagesSent: []contracts.MessageSent{{Channel: "sms", To: to, Ref: ref}},
		},
	}
}

// LogCall records a phone conversation. Purely internal, always available.
func (h *Comms) LogCall(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	entry := &CommEntry{
		ID:        uuid.NewString(),
		LeadID:    str(input, "lead_id"),
		Channel:   "call",
		Direction: strOr(input, "direction", "outbound"),
		Summary:   str(input, "summary"),
	}
	if err := h.domain.LogComm(ctx, entry); err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("log call: %v", err),
		}
	}
	return contracts.Success{
		Result: map[string]any{
			"entry_id": entry.ID,
		},
		Effects: contracts.Effects{
			DBWrites: []contracts.DBWrite{{Table: "comms", Action: "insert", ID: entry.ID}},
		},
	}
}
