package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/worker"
)

// twilioEnv simulates a configured SMS integration.
func twilioEnv(key string) string {
	switch key {
	case "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER":
		return "set"
	}
	return ""
}

func emptyEnv(string) string { return "" }

func rc() *worker.RunContext { return &worker.RunContext{CallID: "call-1", WorkerID: "worker-1"} }

func successOf(t *testing.T, o contracts.Outcome) contracts.Success {
	t.Helper()
	s, ok := o.(contracts.Success)
	require.True(t, ok, "expected Success, got %T: %+v", o, o)
	return s
}

func failureOf(t *testing.T, o contracts.Outcome) contracts.Failure {
	t.Helper()
	f, ok := o.(contracts.Failure)
	require.True(t, ok, "expected Failure, got %T: %+v", o, o)
	return f
}

func seedLead(t *testing.T, domain Domain) *Lead {
	t.Helper()
	lead := &Lead{ID: "lead-1", Name: "Sarah M", Phone: "+61400000001", Suburb: "Newtown", Status: "new"}
	require.NoError(t, domain.CreateLead(context.Background(), lead))
	return lead
}

func TestLeadsCreate(t *testing.T) {
	ctx := context.Background()
	domain := NewMemoryDomain()
	h := NewLeads(domain)

	out := successOf(t, h.Create(ctx, rc(), map[string]any{
		"name": "Sarah M", "phone": "+61400000001", "suburb": "Newtown",
	}))

	leadID := out.Result["lead_id"].(string)
	assert.Equal(t, "new", out.Result["status"])
	require.Len(t, out.Effects.DBWrites, 1)
	assert.Equal(t, contracts.DBWrite{Table: "leads", Action: "insert", ID: leadID}, out.Effects.DBWrites[0])

	stored, err := domain.LeadByID(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, "manual", stored.Source, "source defaults to manual")
}

func TestLeadsUpdateStatusNotFound(t *testing.T) {
	h := NewLeads(NewMemoryDomain())
	f := failureOf(t, h.UpdateStatus(context.Background(), rc(), map[string]any{
		"lead_id": "nope", "status": "contacted",
	}))
	assert.Equal(t, contracts.CodeExecutionError, f.Code)
	assert.Equal(t, "lead not found", f.Message)
}

func TestLeadsSearch(t *testing.T) {
	ctx := context.Background()
	domain := NewMemoryDomain()
	seedLead(t, domain)
	require.NoError(t, domain.CreateLead(ctx, &Lead{ID: "lead-2", Name: "Dave K", Phone: "+61400000002", Suburb: "Marrickville", Status: "won"}))

	h := NewLeads(domain)
	out := successOf(t, h.Search(ctx, rc(), map[string]any{"status": "won"}))
	assert.Equal(t, 1, out.Result["count"])
	require.Len(t, out.Effects.DBReads, 1)
	assert.Equal(t, "leads", out.Effects.DBReads[0].Table)
}

func TestInspectionsScheduleRequiresLead(t *testing.T) {
	ctx := context.Background()
	domain := NewMemoryDomain()
	h := NewInspections(domain)

	f := failureOf(t, h.Schedule(ctx, rc(), map[string]any{"lead_id": "nope"}))
	assert.Equal(t, "lead not found", f.Message)

	lead := seedLead(t, domain)
	out := successOf(t, h.Schedule(ctx, rc(), map[string]any{
		"lead_id": lead.ID, "scheduled_at": "2026-09-01T09:00:00Z",
	}))
	assert.Equal(t, "scheduled", out.Result["status"])
	assert.Equal(t, "2026-09-01T09:00:00Z", out.Result["scheduled_at"])
}

func TestInspectionsComplete(t *testing.T) {
	ctx := context.Background()
	domain := NewMemoryDomain()
	lead := seedLead(t, domain)
	h := NewInspections(domain)

	out := successOf(t, h.Schedule(ctx, rc(), map[string]any{"lead_id": lead.ID}))
	insID := out.Result["inspection_id"].(string)

	done := successOf(t, h.Complete(ctx, rc(), map[string]any{
		"inspection_id": insID,
		"notes":         "roof access fine",
		"measurements":  map[string]any{"roof_sqm": 42.5},
	}))
	assert.Equal(t, "completed", done.Result["status"])

	stored, err := domain.InspectionByID(ctx, insID)
	require.NoError(t, err)
	assert.Equal(t, "completed", stored.Status)
	assert.Equal(t, 42.5, stored.Measurements["roof_sqm"])
}

func TestQuotesCreateComputesGST(t *testing.T) {
	ctx := context.Background()
	domain := NewMemoryDomain()
	lead := seedLead(t, domain)
	h := NewQuotes(domain, emptyEnv)

	out := successOf(t, h.Create(ctx, rc(), map[string]any{
		"lead_id": lead.ID,
		"items": []any{
			map[string]any{"description": "panels", "quantity": 10, "unit_cents": 45000},
			map[string]any{"description": "install", "quantity": 1, "unit_cents": 120000},
		},
	}))

	assert.Equal(t, int64(570000), out.Result["subtotal_cents"])
	assert.Equal(t, int64(57000), out.Result["gst_cents"])
	assert.Equal(t, int64(627000), out.Result["total_cents"])
	assert.Equal(t, "draft", out.Result["status"])
}

func TestQuotesCreateDefaultsQuantity(t *testing.T) {
	ctx := context.Background()
	domain := NewMemoryDomain()
	lead := seedLead(t, domain)
	h := NewQuotes(domain, emptyEnv)

	out := successOf(t, h.Create(ctx, rc(), map[string]any{
		"lead_id": lead.ID,
		"items":   []any{map[string]any{"description": "site survey", "unit_cents": 20000}},
	}))
	assert.Equal(t, int64(20000), out.Result["subtotal_cents"])
}

func TestQuotesSendNotConfigured(t *testing.T) {
	domain := NewMemoryDomain()
	h := NewQuotes(domain, emptyEnv)

	out := h.Send(context.Background(), rc(), map[string]any{"quote_id": "q-1"})
	nc, ok := out.(contracts.NotConfigured)
	require.True(t, ok, "expected NotConfigured, got %T", out)
	assert.Contains(t, nc.RequiredEnv, "TWILIO_ACCOUNT_SID")
	assert.NotEmpty(t, nc.NextSteps)
}

func TestQuotesSendDeliversAndMarks(t *testing.T) {
	ctx := context.Background()
	domain := NewMemoryDomain()
	lead := seedLead(t, domain)
	h := NewQuotes(domain, twilioEnv)

	created := successOf(t, h.Create(ctx, rc(), map[string]any{
		"lead_id": lead.ID,
		"items":   []any{map[string]any{"description": "panels", "quantity": 2, "unit_cents": 45000}},
	}))
	quoteID := created.Result["quote_id"].(string)

	sent := successOf(t, h.Send(ctx, rc(), map[string]any{"quote_id": quoteID}))
	assert.Equal(t, "sent", sent.Result["status"])
	assert.Equal(t, lead.Phone, sent.Result["to"])
	require.Len(t, sent.Effects.MessagesSent, 1)
	assert.Equal(t, "sms", sent.Effects.MessagesSent[0].Channel)
	assert.Empty(t, sent.Effects.ExternalCalls, "no external service is invoked")

	stored, err := domain.QuoteByID(ctx, quoteID)
	require.NoError(t, err)
	assert.Equal(t, "sent", stored.Status)
}

func TestCommsSendSMS(t *testing.T) {
	ctx := context.Background()
	domain := NewMemoryDomain()

	t.Run("not configured", func(t *testing.T) {
		h := NewComms(domain, emptyEnv)
		out := h.SendSMS(ctx, rc(), map[string]any{"to": "+61400000001", "message": "hi"})
		nc, ok := out.(contracts.NotConfigured)
		require.True(t, ok, "expected NotConfigured, got %T", out)
		assert.Equal(t, "SMS integration is not configured", nc.Reason)
	})

	t.Run("configured", func(t *testing.T) {
		h := NewComms(domain, twilioEnv)
		out := successOf(t, h.SendSMS(ctx, rc(), map[string]any{
			"to": "+61400000001", "message": "Your installer arrives at 9am.",
		}))
		assert.Equal(t, "sent", out.Result["status"])
		assert.NotEmpty(t, out.Result["message_ref"])
		require.Len(t, out.Effects.MessagesSent, 1)
		assert.Equal(t, "+61400000001", out.Effects.MessagesSent[0].To)
		assert.Empty(t, out.Effects.ExternalCalls, "no external service is invoked")
	})
}

func TestCommsLogCall(t *testing.T) {
	h := NewComms(NewMemoryDomain(), emptyEnv)
	out := successOf(t, h.LogCall(context.Background(), rc(), map[string]any{
		"lead_id": "lead-1", "summary": "asked about rebate",
	}))
	assert.NotEmpty(t, out.Result["entry_id"])
	require.Len(t, out.Effects.DBWrites, 1)
	assert.Equal(t, "comms", out.Effects.DBWrites[0].Table)
}

func TestTasksLifecycle(t *testing.T) {
	ctx := context.Background()
	domain := NewMemoryDomain()
	h := NewTasks(domain)

	created := successOf(t, h.CreateTask(ctx, rc(), map[string]any{
		"title": "ring Dave about quote", "due_at": "2026-09-01T09:00:00Z",
	}))
	taskID := created.Result["task_id"].(string)
	assert.Equal(t, "open", created.Result["status"])
	assert.Equal(t, "2026-09-01T09:00:00Z", created.Result["due_at"])

	listed := successOf(t, h.ListTasks(ctx, rc(), map[string]any{"status": "open"}))
	assert.Equal(t, 1, listed.Result["count"])

	done := successOf(t, h.CompleteTask(ctx, rc(), map[string]any{"task_id": taskID}))
	assert.Equal(t, "done", done.Result["status"])

	open := successOf(t, h.ListTasks(ctx, rc(), map[string]any{"status": "open"}))
	assert.Equal(t, 0, open.Result["count"])
}

func TestTasksCompleteNotFound(t *testing.T) {
	h := NewTasks(NewMemoryDomain())
	f := failureOf(t, h.CompleteTask(context.Background(), rc(), map[string]any{"task_id": "nope"}))
	assert.Equal(t, "task not found", f.Message)
}

// Register must bind a handler for every tool in the shipped catalog.
func TestRegisterCoversCatalogTools(t *testing.T) {
	reg := worker.NewHandlerRegistry()
	Register(reg, NewMemoryDomain(), emptyEnv)

	for _, name := range []string{
		"leads.create", "leads.update_status", "leads.search",
		"inspections.schedule", "inspections.complete",
		"quotes.create", "quotes.send",
		"comms.send_sms", "comms.log_call",
		"os.create_task", "os.complete_task", "os.list_tasks",
	} {
		_, ok := reg.Resolve(name)
		assert.True(t, ok, name)
	}
}
