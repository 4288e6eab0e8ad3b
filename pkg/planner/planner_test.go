package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/registry"
	"github.com/fieldops-hq/fieldops/pkg/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPlanner(t *testing.T, st store.Store, rules []Rule) *Planner {
	t.Helper()
	reg, err := registry.Load("../../configs/catalog.yaml")
	require.NoError(t, err)
	return New(st, reg, rules, quietLogger())
}

func TestPlanModeCreateTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPlanner(t, st, nil)

	resp, err := p.Run(ctx, &Request{
		Message: "create task: call John",
		Mode:    contracts.ModePlan,
	})
	require.NoError(t, err)

	assert.True(t, resp.OK)
	require.Len(t, resp.PlannedToolCalls, 1)
	assert.Equal(t, "os.create_task", resp.PlannedToolCalls[0].ToolName)
	assert.Equal(t, "call John", resp.PlannedToolCalls[0].Input["title"])
	assert.Empty(t, resp.Enqueued, "plan mode never enqueues")

	run, err := st.GetRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "planned", run.Status)
	assert.Contains(t, run.Decision, "create-task")

	// Nothing landed on the queue.
	_, err = st.ClaimNextCall(ctx, "worker-1")
	assert.ErrorIs(t, err, store.ErrEmptyQueue)
}

func TestNoMatchingRule(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPlanner(t, st, nil)

	resp, err := p.Run(ctx, &Request{Message: "make me a coffee"})
	require.NoError(t, err)

	assert.False(t, resp.OK)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0], "no_matching_rule")

	run, err := st.GetRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "failed", run.Status)
}

func TestUnknownMode(t *testing.T) {
	st := store.NewMemoryStore()
	p := newTestPlanner(t, st, nil)

	resp, err := p.Run(context.Background(), &Request{Message: "list tasks", Mode: "dry_run"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0], "unknown mode")
}

func TestAnswerModeListsTools(t *testing.T) {
	st := store.NewMemoryStore()
	p := newTestPlanner(t, st, nil)

	resp, err := p.Run(context.Background(), &Request{
		Message: "what can you do?",
		Mode:    contracts.ModeAnswer,
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Contains(t, resp.AssistantMessage, "leads.create")
	assert.Contains(t, resp.AssistantMessage, "comms.send_sms")
	assert.Empty(t, resp.Enqueued)
}

// A plan with any invalid call enqueues nothing at all.
func TestInvalidPlanAbortsWholeBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPlanner(t, st, nil)

	// "vanished" is not a pipeline status the contract accepts.
	resp, err := p.Run(ctx, &Request{Message: "mark lead lead-1 as vanished"})
	require.NoError(t, err)

	assert.False(t, resp.OK)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0], "leads.update_status")
	assert.Empty(t, resp.Enqueued)

	_, err = st.ClaimNextCall(ctx, "worker-1")
	assert.ErrorIs(t, err, store.ErrEmptyQueue)

	run, err := st.GetRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "failed", run.Status)
}

func TestEnqueueMode(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPlanner(t, st, nil)

	resp, err := p.Run(ctx, &Request{Message: "create task: ring Dave"})
	require.NoError(t, err)

	assert.True(t, resp.OK)
	require.Len(t, resp.Enqueued, 1)
	assert.NotEmpty(t, resp.NextActions)

	call, err := st.GetCall(ctx, resp.Enqueued[0])
	require.NoError(t, err)
	assert.Equal(t, "os.create_task", call.ToolName)
	assert.Equal(t, contracts.CallQueued, call.Status)

	run, err := st.GetRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "enqueued", run.Status)
	assert.Equal(t, resp.Enqueued, run.EnqueuedCallIDs)
}

func TestEnqueuePrecomputesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPlanner(t, st, nil)

	resp, err := p.Run(ctx, &Request{
		Message: "new lead",
		Context: map[string]any{"name": "Sarah M", "phone": "+61400000001"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Enqueued, 1)

	call, err := st.GetCall(ctx, resp.Enqueued[0])
	require.NoError(t, err)
	assert.Equal(t, "leads.create", call.ToolName)
	assert.Equal(t, "+61400000001", call.IdempotencyKey)
}

func TestEnqueueAndWaitCollectsReceipts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPlanner(t, st, nil)

	// A stand-in worker: claim, write the receipt, advance the call.
	go func() {
		for {
			call, err := st.ClaimNextCall(ctx, "worker-1")
			if errors.Is(err, store.ErrEmptyQueue) {
				time.Sleep(20 * time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
			_ = st.WriteReceipt(ctx, &contracts.Receipt{
				CallID:   call.ID,
				ToolName: call.ToolName,
				Status:   contracts.CallSucceeded,
				Result:   map[string]any{"task_id": "t-1", "status": "open"},
			})
			_ = st.CompleteCall(ctx, call.ID, contracts.CallSucceeded, "")
			return
		}
	}()

	resp, err := p.Run(ctx, &Request{
		Message: "create task: ring Dave",
		Mode:    contracts.ModeEnqueueAndWait,
		Limits:  Limits{WaitTimeoutMs: 5000},
	})
	require.NoError(t, err)

	assert.True(t, resp.OK)
	require.Len(t, resp.Receipts, 1)
	assert.Equal(t, contracts.CallSucceeded, resp.Receipts[0].Status)
	assert.Empty(t, resp.TimeoutWaiting)
	assert.Equal(t, "1 succeeded", resp.AssistantMessage)

	run, err := st.GetRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "done", run.Status)
}

func TestEnqueueAndWaitTimeout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPlanner(t, st, nil)

	resp, err := p.Run(ctx, &Request{
		Message: "create task: ring Dave",
		Mode:    contracts.ModeEnqueueAndWait,
		Limits:  Limits{WaitTimeoutMs: 300},
	})
	require.NoError(t, err)

	assert.True(t, resp.OK, "a wait timeout is not a planning failure")
	require.Len(t, resp.Enqueued, 1)
	assert.Equal(t, resp.Enqueued, resp.TimeoutWaiting)
	assert.Empty(t, resp.Receipts)

	run, err := st.GetRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "timeout_waiting", run.Status)

	// The call stays queued and still executes later.
	call, err := st.GetCall(ctx, resp.Enqueued[0])
	require.NoError(t, err)
	assert.Equal(t, contracts.CallQueued, call.Status)
}

func TestMaxToolCallsBoundsThePlan(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fanout := []Rule{{
		Name:    "fanout",
		Pattern: regexp.MustCompile(`(?i)^remind everyone$`),
		Order:   1,
		Build: func(m []string, req *Request) []contracts.PlannedCall {
			var calls []contracts.PlannedCall
			for _, title := range []string{"a", "b", "c"} {
				calls = append(calls, contracts.PlannedCall{
					ToolName: "os.create_task",
					Input:    map[string]any{"title": title},
				})
			}
			return calls
		},
	}}
	p := newTestPlanner(t, st, fanout)

	resp, err := p.Run(ctx, &Request{
		Message: "remind everyone",
		Limits:  Limits{MaxToolCalls: 2},
	})
	require.NoError(t, err)

	assert.False(t, resp.OK)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0], "max_tool_calls")
	assert.Empty(t, resp.Enqueued)
}

func TestWaitTimeoutClamped(t *testing.T) {
	assert.Equal(t, defaultWaitTimeout, waitTimeout(Limits{}))
	assert.Equal(t, time.Second, waitTimeout(Limits{WaitTimeoutMs: 1000}))
	assert.Equal(t, maxWaitTimeout, waitTimeout(Limits{WaitTimeoutMs: 600000}))
}

func TestDefaultRulesCoverage(t *testing.T) {
	cases := []struct {
		message string
		context map[string]any
		tool    string
	}{
		{"create task: follow up on rebate", nil, "os.create_task"},
		{"complete task task-42", nil, "os.complete_task"},
		{"list tasks", nil, "os.list_tasks"},
		{"new lead", map[string]any{"name": "Sarah M", "phone": "+61400000001"}, "leads.create"},
		{"mark lead lead-1 as won", nil, "leads.update_status"},
		{"find leads newtown", nil, "leads.search"},
		{"schedule inspection", map[string]any{"lead_id": "lead-1"}, "inspections.schedule"},
		{"complete inspection ins-1", nil, "inspections.complete"},
		{"create quote", map[string]any{
			"lead_id": "lead-1",
			"items":   []any{map[string]any{"description": "panels", "unit_cents": 45000}},
		}, "quotes.create"},
		{"send quote q-1", nil, "quotes.send"},
		{"sms +61 400 000 001: your installer arrives at 9am", nil, "comms.send_sms"},
		{"log call: asked about rebate", nil, "comms.log_call"},
	}
	rules := DefaultRules()
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			req := &Request{Message: tc.message, Context: tc.context}
			var planned []contracts.PlannedCall
			for _, rule := range rules {
				if m := rule.Pattern.FindStringSubmatch(tc.message); m != nil {
					planned = append(planned, rule.Build(m, req)...)
				}
			}
			require.Len(t, planned, 1)
			assert.Equal(t, tc.tool, planned[0].ToolName)
		})
	}
}

func TestSendSMSRuleNormalizesNumber(t *testing.T) {
	p := newTestPlanner(t, store.NewMemoryStore(), nil)

	resp, err := p.Run(context.Background(), &Request{
		Message: "sms +61 400 000 001: quote is ready",
		Mode:    contracts.ModePlan,
	})
	require.NoError(t, err)
	require.Len(t, resp.PlannedToolCalls, 1)
	assert.Equal(t, "+61400000001", resp.PlannedToolCalls[0].Input["to"])
	assert.Equal(t, "quote is ready", resp.PlannedToolCalls[0].Input["message"])
}
