package handlers

import (
	"os"

	"github.com/fieldops-hq/fieldops/pkg/worker"
)

// Register binds every built-in handler group into the registry. A nil env
// falls back to the process environment.
func Register(reg *worker.HandlerRegistry, domain Domain, env Env) {
	if env == nil {
		env = os.Getenv
	}

	leads := NewLeads(domain)
	reg.Register("leads", "create", worker.HandlerFunc(leads.Create))
	reg.Register("leads", "update_status", worker.HandlerFunc(leads.UpdateStatus))
	reg.Register("leads", "search", worker.HandlerFunc(leads.Search))

	inspections := NewInspections(domain)
	reg.Register("inspections", "schedule", worker.HandlerFunc(inspections.Schedule))
	reg.Register("inspections", "complete", worker.HandlerFunc(inspections.Complete))

	quotes := NewQuotes(domain, env)
	reg.Register("quotes", "create", worker.HandlerFunc(quotes.Create))
	reg.Register("quotes", "send", worker.HandlerFunc(quotes.Send))

	comms := NewComms(domain, env)
	reg.Register("comms", "send_sms", worker.HandlerFunc(comms.SendSMS))
	reg.Register("comms", "log_call", worker.HandlerFunc(comms.LogCall))

	tasks := NewTasks(domain)
	reg.Register("os", "create_task", worker.HandlerFunc(tasks.CreateTask))
	reg.Register("os", "complete_task", worker.HandlerFunc(tasks.CompleteTask))
	reg.Register("os", "list_tasks", worker.HandlerFunc(tasks.ListTasks))
}
