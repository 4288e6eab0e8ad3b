package worker

import (
	"context"
	"strings"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
)

// RunContext carries per-call execution state into a handler. Handlers get
// the call id, the contract, and nothing else; datastore access goes through
// whatever narrowed port the handler was constructed with.
type RunContext struct {
	CallID   string
	WorkerID string
	Contract *contracts.Contract
}

// Handler implements a tool's business logic. The returned Outcome is the
// only channel back to the executor; handlers must not write receipts.
type Handler interface {
	Execute(ctx context.Context, rc *RunContext, input map[string]any) contracts.Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rc *RunContext, input map[string]any) contracts.Outcome

func (f HandlerFunc) Execute(ctx context.Context, rc *RunContext, input map[string]any) contracts.Outcome {
	return f(ctx, rc, input)
}

// HandlerRegistry resolves handlers by tool name. The dispatch key is
// domain + "/" + method where method joins the remaining name parts with "_":
// "inspections.schedule.followup" dispatches to ("inspections", "schedule_followup").
type HandlerRegistry struct {
	byKey map[string]Handler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{byKey: make(map[string]Handler)}
}

// Register binds a handler to (domain, method). Later registrations win.
func (r *HandlerRegistry) Register(domain, method string, h Handler) {
	r.byKey[domain+"/"+method] = h
}

// Resolve maps a dotted tool name to its handler.
func (r *HandlerRegistry) Resolve(toolName string) (Handler, bool) {
	parts := strings.Split(toolName, ".")
	if len(parts) < 2 {
		return nil, false
	}
	key := parts[0] + "/" + strings.Join(parts[1:], "_")
	h, ok := r.byKey[key]
	return h, ok
}
