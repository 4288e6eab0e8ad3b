// Package planner compiles structured requests into contract-valid tool calls,
// enqueues them, and correlates receipts back to the caller through run rows.
// Compilation is a deterministic rules engine; there is no model in the loop.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/registry"
	"github.com/fieldops-hq/fieldops/pkg/store"
)

const (
	defaultMaxToolCalls = 10
	defaultWaitTimeout  = 30 * time.Second
	maxWaitTimeout      = 120 * time.Second
	receiptPollInterval = 250 * time.Millisecond
)

// Limits bounds one request.
type Limits struct {
	MaxToolCalls  int `json:"max_tool_calls,omitempty"`
	WaitTimeoutMs int `json:"wait_timeout_ms,omitempty"`
}

// Request is a structured planner request.
type Request struct {
	Message string            `json:"message"`
	Mode    contracts.RunMode `json:"mode,omitempty"`
	Context map[string]any    `json:"context,omitempty"`
	Limits  Limits            `json:"limits,omitempty"`
}

// Response is the planner's structured answer. Receipt-level failures do not
// clear OK; only planning failures do.
type Response struct {
	OK               bool                    `json:"ok"`
	RunID            string                  `json:"run_id"`
	Decision         string                  `json:"decision,omitempty"`
	PlannedToolCalls []contracts.PlannedCall `json:"planned_tool_calls,omitempty"`
	Enqueued         []string                `json:"enqueued,omitempty"`
	Receipts         []*contracts.Receipt    `json:"receipts,omitempty"`
	TimeoutWaiting   []string                `json:"timeout_waiting,omitempty"`
	AssistantMessage string                  `json:"assistant_message,omitempty"`
	NextActions      []string                `json:"next_actions,omitempty"`
	Errors           []string                `json:"errors,omitempty"`
}

// Planner owns run rows and the compile-enqueue-wait pipeline.
type Planner struct {
	store    store.Store
	registry *registry.Registry
	rules    []Rule
	logger   *slog.Logger
}

// New builds a planner. Nil rules installs DefaultRules.
func New(st store.Store, reg *registry.Registry, rules []Rule, logger *slog.Logger) *Planner {
	if rules == nil {
		rules = DefaultRules()
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Order < rules[j].Order })
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		store:    st,
		registry: reg,
		rules:    rules,
		logger:   logger.With("component", "planner"),
	}
}

// Run executes one request end to end. The returned error covers storage
// faults only; planning failures come back inside the Response.
func (p *Planner) Run(ctx context.Context, req *Request) (*Response, error) {
	if req.Mode == "" {
		req.Mode = contracts.ModeEnqueue
	}
	switch req.Mode {
	case contracts.ModeAnswer, contracts.ModePlan, contracts.ModeEnqueue, contracts.ModeEnqueueAndWait:
	default:
		return &Response{
			OK:     false,
			Errors: []string{fmt.Sprintf("unknown mode %q", req.Mode)},
		}, nil
	}

	run := &contracts.Run{
		ID:      uuid.NewString(),
		Message: req.Message,
		Mode:    req.Mode,
		Status:  "planning",
	}
	if err := p.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	resp := &Response{RunID: run.ID}

	if req.Mode == contracts.ModeAnswer {
		resp.OK = true
		resp.AssistantMessage = p.answer(req)
		run.Status = "done"
		run.Decision = "answer mode, no calls"
		run.AssistantMessage = resp.AssistantMessage
		return resp, p.finishRun(ctx, run)
	}

	planned, decision := p.compile(req)
	resp.Decision = decision
	run.Decision = decision
	if len(planned) == 0 {
		resp.Errors = append(resp.Errors, "no_matching_rule: no rule matched the message")
		run.Status = "failed"
		run.Errors = resp.Errors
		return resp, p.finishRun(ctx, run)
	}

	maxCalls := req.Limits.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = defaultMaxToolCalls
	}
	if len(planned) > maxCalls {
		resp.Errors = append(resp.Errors,
			fmt.Sprintf("max_tool_calls: plan produced %d calls, limit is %d", len(planned), maxCalls))
		run.Status = "failed"
		run.Errors = resp.Errors
		return resp, p.finishRun(ctx, run)
	}

	// A planner never enqueues an invalid call. Any bad plan aborts the whole
	// batch so partial enqueues cannot happen.
	for i, pc := range planned {
		if _, err := p.registry.Get(pc.ToolName); err != nil {
			resp.Errors = append(resp.Errors,
				fmt.Sprintf("planned call %d: unknown tool %q", i, pc.ToolName))
			continue
		}
		if err := p.registry.ValidateInput(pc.ToolName, pc.Input); err != nil {
			resp.Errors = append(resp.Errors,
				fmt.Sprintf("planned call %d (%s): %v", i, pc.ToolName, err))
		}
	}
	if len(resp.Errors) > 0 {
		run.Status = "failed"
		run.Errors = resp.Errors
		return resp, p.finishRun(ctx, run)
	}

	resp.PlannedToolCalls = planned
	run.PlannedToolCalls = planned
	if req.Mode == contracts.ModePlan {
		resp.OK = true
		run.Status = "planned"
		return resp, p.finishRun(ctx, run)
	}

	for _, pc := range planned {
		call := &contracts.Call{
			ID:             uuid.NewString(),
			ToolName:       pc.ToolName,
			Input:          pc.Input,
			IdempotencyKey: p.idempotencyKey(pc),
			Status:         contracts.CallQueued,
		}
		if err := p.store.InsertCall(ctx, call); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", pc.ToolName, err)
		}
		resp.Enqueued = append(resp.Enqueued, call.ID)
	}
	run.EnqueuedCallIDs = resp.Enqueued
	resp.OK = true
	p.logger.InfoContext(ctx, "enqueued plan",
		"run_id", run.ID, "calls", len(resp.Enqueued), "mode", req.Mode)

	if req.Mode == contracts.ModeEnqueue {
		run.Status = "enqueued"
		resp.NextActions = []string{"poll receipts for the enqueued call ids"}
		return resp, p.finishRun(ctx, run)
	}

	receipts, pending := p.await(ctx, resp.Enqueued, waitTimeout(req.Limits))
	resp.Receipts = receipts
	resp.TimeoutWaiting = pending
	if len(pending) > 0 {
		run.Status = "timeout_waiting"
		resp.NextActions = []string{"calls still executing; poll receipts for the pending ids"}
	} else {
		run.Status = "done"
	}
	resp.AssistantMessage = summarize(receipts, pending)
	run.AssistantMessage = resp.AssistantMessage
	return resp, p.finishRun(ctx, run)
}

func (p *Planner) finishRun(ctx context.Context, run *contracts.Run) error {
	if err := p.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// compile matches every rule against the message in rule order and collects
// the produced calls. The decision string records which rules fired.
func (p *Planner) compile(req *Request) ([]contracts.PlannedCall, string) {
	message := strings.TrimSpace(req.Message)
	var planned []contracts.PlannedCall
	var fired []string
	for _, rule := range p.rules {
		m := rule.Pattern.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		calls := rule.Build(m, req)
		if len(calls) == 0 {
			continue
		}
		planned = append(planned, calls...)
		fired = append(fired, rule.Name)
	}
	if len(fired) == 0 {
		return nil, "no rule matched"
	}
	return planned, "matched rules: " + strings.Join(fired, ", ")
}

// idempotencyKey precomputes the keyed value for the call row so duplicate
// submissions are visible in the queue before any worker runs.
func (p *Planner) idempotencyKey(pc contracts.PlannedCall) string {
	contract, err := p.registry.Get(pc.ToolName)
	if err != nil || contract.Idempotency.Mode != contracts.IdempotencyKeyed {
		return ""
	}
	v, _ := pc.Input[contract.Idempotency.KeyField].(string)
	return v
}

// await polls the receipt store for the wait set until every call is terminal
// or the deadline passes. Pending ids are returned, not errors; the calls stay
// queued and will still execute.
func (p *Planner) await(ctx context.Context, callIDs []string, timeout time.Duration) ([]*contracts.Receipt, []string) {
	deadline := time.Now().Add(timeout)
	byID := make(map[string]*contracts.Receipt, len(callIDs))
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		for _, id := range callIDs {
			if byID[id] != nil {
				continue
			}
			receipt, err := p.store.ReceiptByCallID(ctx, id)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					p.logger.WarnContext(ctx, "receipt poll failed", "call_id", id, "error", err)
				}
				continue
			}
			byID[id] = receipt
		}
		if len(byID) == len(callIDs) || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			break
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	var receipts []*contracts.Receipt
	var pending []string
	for _, id := range callIDs {
		if r := byID[id]; r != nil {
			receipts = append(receipts, r)
		} else {
			pending = append(pending, id)
		}
	}
	return receipts, pending
}

func waitTimeout(limits Limits) time.Duration {
	if limits.WaitTimeoutMs <= 0 {
		return defaultWaitTimeout
	}
	d := time.Duration(limits.WaitTimeoutMs) * time.Millisecond
	if d > maxWaitTimeout {
		return maxWaitTimeout
	}
	return d
}

func (p *Planner) answer(req *Request) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, c := range p.registry.All() {
		fmt.Fprintf(&b, "  %s - %s\n", c.Name, c.Description)
	}
	b.WriteString("Use mode=plan to preview calls, mode=enqueue to execute.")
	return b.String()
}

func summarize(receipts []*contracts.Receipt, pending []string) string {
	var parts []string
	counts := map[contracts.CallStatus]int{}
	for _, r := range receipts {
		counts[r.Status]++
	}
	if n := counts[contracts.CallSucceeded]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d succeeded", n))
	}
	if n := counts[contracts.CallFailed]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", n))
	}
	if n := counts[contracts.CallNotConfigured]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d not configured", n))
	}
	if len(pending) > 0 {
		parts = append(parts, fmt.Sprintf("%d still executing", len(pending)))
	}
	if len(parts) == 0 {
		return "no calls completed"
	}
	return strings.Join(parts, ", ")
}
