// ABOUTME: Function tools over the task database
// ABOUTME: Each call owns one transaction; failures become "Error: ..." text results

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/taskagent-gateway/internal/model"
)

type handler func(ctx context.Context, q Querier, input json.RawMessage) (any, error)

type tool struct {
	def     model.ToolDefinition
	handler handler
}

// Executor runs task tools requested by the model.
type Executor struct {
	db     *DB
	logger *slog.Logger
	now    func() time.Time
	tools  map[string]tool
	order  []string
}

// NewExecutor creates an executor over db.
func NewExecutor(db *DB, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		db:     db,
		logger: logger.With("component", "tasks"),
		now:    time.Now,
		tools:  make(map[string]tool),
	}

	e.register("create_task", "Create a task",
		`{"type":"object","properties":{"title":{"type":"string"},"description":{"type":"string"},"priority":{"type":"string","enum":["low","medium","high"]},"dueDate":{"type":"string","description":"YYYY-MM-DD or RFC 3339"}},"required":["title"]}`,
		e.createTask)
	e.register("list_tasks", "List tasks, optionally filtered by status or priority",
		`{"type":"object","properties":{"status":{"type":"string","enum":["todo","in_progress","done"]},"priority":{"type":"string","enum":["low","medium","high"]},"limit":{"type":"integer"}}}`,
		e.listTasks)
	e.register("get_task", "Get a task by ID",
		`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`,
		e.getTask)
	e.register("update_task", "Update fields of a task",
		`{"type":"object","properties":{"id":{"type":"string"},"title":{"type":"string"},"description":{"type":"string"},"status":{"type":"string","enum":["todo","in_progress","done"]},"priority":{"type":"string","enum":["low","medium","high"]},"dueDate":{"type":"string"}},"required":["id"]}`,
		e.updateTask)
	e.register("delete_task", "Delete a task by ID",
		`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`,
		e.deleteTask)
	e.register("task_summary", "Count tasks by status and priority, including overdue tasks",
		`{"type":"object","properties":{}}`,
		e.taskSummary)
	return e
}

func (e *Executor) register(name, description, schema string, h handler) {
	e.tools[name] = tool{
		def:     model.ToolDefinition{Name: name, Description: description, InputSchema: json.RawMessage(schema)},
		handler: h,
	}
	e.order = append(e.order, name)
}

// Definitions returns the tool definitions in registration order.
func (e *Executor) Definitions() []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(e.order))
	for _, name := range e.order {
		defs = append(defs, e.tools[name].def)
	}
	return defs
}

// Execute runs one tool call inside its own transaction. It never returns an
// error: failures are reported in the result text.
func (e *Executor) Execute(ctx context.Context, call model.ToolCall) model.ToolResult {
	result := model.ToolResult{CallID: call.ID, Name: call.Name}

	t, ok := e.tools[call.Name]
	if !ok {
		result.Output = fmt.Sprintf("Error: unknown tool %q", call.Name)
		result.IsError = true
		return result
	}

	out, err := e.run(ctx, t.handler, call.Arguments)
	if err != nil {
		e.logger.Debug("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		result.Output = "Error: " + err.Error()
		result.IsError = true
		return result
	}

	data, err := json.Marshal(out)
	if err != nil {
		result.Output = "Error: encoding result: " + err.Error()
		result.IsError = true
		return result
	}
	result.Output = string(data)
	return result
}

func (e *Executor) run(ctx context.Context, h handler, input json.RawMessage) (any, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("task database unavailable: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := h(ctx, tx, input)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return out, nil
}

func decode(input json.RawMessage, v any) error {
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

func notFound(id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("no task with id %q", id)
	}
	return err
}

type createTaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	DueDate     string `json:"dueDate"`
}

func (e *Executor) createTask(ctx context.Context, q Querier, input json.RawMessage) (any, error) {
	var in createTaskInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	due, err := parseDueDate(in.DueDate)
	if err != nil {
		return nil, err
	}

	t := &Task{Title: in.Title, Description: in.Description, Priority: in.Priority, DueDate: due}
	if err := Create(ctx, q, t); err != nil {
		return nil, err
	}
	return t, nil
}

type listTasksInput struct {
	Status   string `json:"status"`
	Priority string `json:"priority"`
	Limit    int    `json:"limit"`
}

func (e *Executor) listTasks(ctx context.Context, q Querier, input json.RawMessage) (any, error) {
	var in listTasksInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if in.Status != "" && !validStatus[in.Status] {
		return nil, fmt.Errorf("invalid status %q", in.Status)
	}
	if in.Priority != "" && !validPriority[in.Priority] {
		return nil, fmt.Errorf("invalid priority %q", in.Priority)
	}

	list, err := List(ctx, q, Filter{Status: in.Status, Priority: in.Priority, Limit: in.Limit})
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*Task{}
	}
	return map[string]any{"tasks": list, "count": len(list)}, nil
}

type idInput struct {
	ID string `json:"id"`
}

func (e *Executor) getTask(ctx context.Context, q Querier, input json.RawMessage) (any, error) {
	var in idInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	t, err := Get(ctx, q, in.ID)
	if err != nil {
		return nil, notFound(in.ID, err)
	}
	return t, nil
}

type updateTaskInput struct {
	ID          string  `json:"id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	DueDate     *string `json:"dueDate"`
}

func (e *Executor) updateTask(ctx context.Context, q Querier, input json.RawMessage) (any, error) {
	var in updateTaskInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}

	t, err := Get(ctx, q, in.ID)
	if err != nil {
		return nil, notFound(in.ID, err)
	}

	// Only update fields that were provided
	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	if in.Status != nil {
		t.Status = *in.Status
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	if in.DueDate != nil {
		due, err := parseDueDate(*in.DueDate)
		if err != nil {
			return nil, err
		}
		t.DueDate = due
	}

	if err := Update(ctx, q, t); err != nil {
		return nil, notFound(in.ID, err)
	}
	return t, nil
}

func (e *Executor) deleteTask(ctx context.Context, q Querier, input json.RawMessage) (any, error) {
	var in idInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if err := Delete(ctx, q, in.ID); err != nil {
		return nil, notFound(in.ID, err)
	}
	return map[string]string{"id": in.ID, "status": "deleted"}, nil
}

func (e *Executor) taskSummary(ctx context.Context, q Querier, _ json.RawMessage) (any, error) {
	return Summarize(ctx, q, e.now())
}
