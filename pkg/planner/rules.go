package planner

import (
	"regexp"
	"strings"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
)

// Rule maps a message pattern to a tool-call builder. Rules are data so the
// engine stays deterministic and each rule is testable in isolation. Order
// fixes the enqueue position when several rules fire on one message.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Order   int
	// Build produces the calls for this rule from the regex submatches and
	// the request context. Returning nil means the rule declines the match.
	Build func(matches []string, req *Request) []contracts.PlannedCall
}

// ctxStr pulls a string hint out of the request context.
func ctxStr(req *Request, key string) string {
	if req.Context == nil {
		return ""
	}
	s, _ := req.Context[key].(string)
	return s
}

func single(tool string, input map[string]any) []contracts.PlannedCall {
	return []contracts.PlannedCall{{ToolName: tool, Input: input}}
}

// DefaultRules is the built-in rule set for the field-services domain.
// Patterns are matched case-insensitively against the trimmed message.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "create-task",
			Pattern: regexp.MustCompile(`(?i)^create task:\s*(.+)$`),
			Order:   10,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				input := map[string]any{"title": strings.TrimSpace(m[1])}
				if due := ctxStr(req, "due_at"); due != "" {
					input["due_at"] = due
				}
				return single("os.create_task", input)
			},
		},
		{
			Name:    "complete-task",
			Pattern: regexp.MustCompile(`(?i)^complete task\s+([\w-]+)$`),
			Order:   11,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				return single("os.complete_task", map[string]any{"task_id": m[1]})
			},
		},
		{
			Name:    "list-tasks",
			Pattern: regexp.MustCompile(`(?i)^list tasks\b`),
			Order:   12,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				input := map[string]any{}
				if status := ctxStr(req, "status"); status != "" {
					input["status"] = status
				}
				return single("os.list_tasks", input)
			},
		},
		{
			Name:    "new-lead",
			Pattern: regexp.MustCompile(`(?i)^new lead\b`),
			Order:   20,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				name := ctxStr(req, "name")
				phone := ctxStr(req, "phone")
				if name == "" || phone == "" {
					return nil
				}
				input := map[string]any{"name": name, "phone": phone}
				if suburb := ctxStr(req, "suburb"); suburb != "" {
					input["suburb"] = suburb
				}
				if source := ctxStr(req, "source"); source != "" {
					input["source"] = source
				}
				return single("leads.create", input)
			},
		},
		{
			Name:    "lead-status",
			Pattern: regexp.MustCompile(`(?i)^mark lead\s+([\w-]+)\s+as\s+(\w+)$`),
			Order:   21,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				return single("leads.update_status", map[string]any{
					"lead_id": m[1],
					"status":  strings.ToLower(m[2]),
				})
			},
		},
		{
			Name:    "find-leads",
			Pattern: regexp.MustCompile(`(?i)^find leads?\s*(.*)$`),
			Order:   22,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				input := map[string]any{}
				if q := strings.TrimSpace(m[1]); q != "" {
					input["query"] = q
				}
				if status := ctxStr(req, "status"); status != "" {
					input["status"] = status
				}
				return single("leads.search", input)
			},
		},
		{
			Name:    "schedule-inspection",
			Pattern: regexp.MustCompile(`(?i)^schedule inspection\b`),
			Order:   30,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				leadID := ctxStr(req, "lead_id")
				if leadID == "" {
					return nil
				}
				input := map[string]any{"lead_id": leadID}
				if at := ctxStr(req, "scheduled_at"); at != "" {
					input["scheduled_at"] = at
				}
				return single("inspections.schedule", input)
			},
		},
		{
			Name:    "complete-inspection",
			Pattern: regexp.MustCompile(`(?i)^complete inspection\s+([\w-]+)$`),
			Order:   31,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				input := map[string]any{"inspection_id": m[1]}
				if notes := ctxStr(req, "notes"); notes != "" {
					input["notes"] = notes
				}
				return single("inspections.complete", input)
			},
		},
		{
			Name:    "create-quote",
			Pattern: regexp.MustCompile(`(?i)^(?:create|draft) quote\b`),
			Order:   40,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				leadID := ctxStr(req, "lead_id")
				items, _ := req.Context["items"].([]any)
				if leadID == "" || len(items) == 0 {
					return nil
				}
				return single("quotes.create", map[string]any{
					"lead_id": leadID,
					"items":   items,
				})
			},
		},
		{
			Name:    "send-quote",
			Pattern: regexp.MustCompile(`(?i)^send quote\s+([\w-]+)$`),
			Order:   41,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				return single("quotes.send", map[string]any{"quote_id": m[1]})
			},
		},
		{
			Name:    "send-sms",
			Pattern: regexp.MustCompile(`(?i)^(?:sms|text)\s+(\+?\d[\d\s]{6,})\s*:\s*(.+)$`),
			Order:   50,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				input := map[string]any{
					"to":      strings.ReplaceAll(m[1], " ", ""),
					"message": strings.TrimSpace(m[2]),
				}
				if leadID := ctxStr(req, "lead_id"); leadID != "" {
					input["lead_id"] = leadID
				}
				return single("comms.send_sms", input)
			},
		},
		{
			Name:    "log-call",
			Pattern: regexp.MustCompile(`(?i)^log call\s*:\s*(.+)$`),
			Order:   51,
			Build: func(m []string, req *Request) []contracts.PlannedCall {
				input := map[string]any{"summary": strings.TrimSpace(m[1])}
				if leadID := ctxStr(req, "lead_id"); leadID != "" {
					input["lead_id"] = leadID
				}
				return single("comms.log_call", input)
			},
		},
	}
}
