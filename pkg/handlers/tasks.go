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

// Tasks implements the os.* internal task tools.
type Tasks struct {
	domain Domain
}

// NewTasks returns the tasks handler group.
func NewTasks(domain Domain) *Tasks {
	return &Tasks{domain: domain}
}

// CreateTask adds an internal to-do item.
func (h *Tasks) CreateTask(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	task := &Task{
		ID:     uuid.NewString(),
		Title:  str(input, "title"),
		Domain: str(input, "domain"),
		Status: "open",
		Notes:  str(input, "notes"),
	}
	if due, ok := timeField(input, "due_at"); ok {
		task.DueAt = &due
	}
	if err := h.domain.CreateTask(ctx, task); err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("create task: %v", err),
		}
	}
	result := map[string]any{
		"task_id": task.ID,
		"title":   task.Title,
		"status":  task.Status,
	}
	if task.DueAt != nil {
		result["due_at"] = task.DueAt.Format(time.RFC3339)
	}
	return contracts.Success{
		Result: result,
		Effects: contracts.Effects{
			DBWrites: []contracts.DBWrite{{Table: "tasks", Action: "insert", ID: task.ID}},
		},
	}
}

// CompleteTask marks a task done.
func (h *Tasks) CompleteTask(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	taskID := str(input, "task_id")
	if err := h.domain.CompleteTask(ctx, taskID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return contracts.Failure{
				Code:    contracts.CodeExecutionError,
				Message: "task not found",
				Details: map[string]any{"task_id": taskID},
			}
		}
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("complete task: %v", err),
		}
	}
	return contracts.Success{
		Result: map[string]any{
			"task_id": taskID,
			"status":  "done",
		},
		Effects: contracts.Effects{
			DBWrites: []contracts.DBWrite{{Table: "tasks", Action: "update", ID: taskID}},
		},
	}
}

// ListTasks returns tasks matching the filters. Read-only.
func (h *Tasks) ListTasks(ctx context.Context, rc *worker.RunContext, input map[string]any) contracts.Outcome {
	q := TaskQuery{
		Status: str(input, "status"),
		Domain: str(input, "domain"),
		Limit:  intField(input, "limit"),
	}
	tasks, err := h.domain.ListTasks(ctx, q)
	if err != nil {
		return contracts.Failure{
			Code:    contracts.CodeExecutionError,
			Message: fmt.Sprintf("list tasks: %v", err),
		}
	}
	rows := make([]any, 0, len(tasks))
	for _, task := range tasks {
		row := map[string]any{
			"task_id": task.ID,
			"title":   task.Title,
			"status":  task.Status,
		}
		if task.Domain != "" {
			row["domain"] = task.Domain
		}
		if task.DueAt != nil {
			row["due_at"] = task.DueAt.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return contracts.Success{
		Result: map[string]any{
			"tasks": rows,
			"count": len(rows),
		},
		Effects: contracts.Effects{
			DBReads: []contracts.DBRead{{Table: "tasks"}},
		},
	}
}
