// ABOUTME: Task entity and its minimal validation rules
// ABOUTME: Status and priority are closed enums with defaults

package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// Status values.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Priority values.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

var (
	validStatus   = map[string]bool{StatusTodo: true, StatusInProgress: true, StatusDone: true}
	validPriority = map[string]bool{PriorityLow: true, PriorityMedium: true, PriorityHigh: true}
)

// Task is a unit of work tracked for the user.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Validate applies defaults and checks the title and enums.
func (t *Task) Validate() error {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return errors.New("title is required")
	}
	if len(t.Title) > 200 {
		return errors.New("title must be at most 200 characters")
	}
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if !validStatus[t.Status] {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !validPriority[t.Priority] {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	return nil
}

// Overdue reports whether the task is unfinished past its due date.
func (t *Task) Overdue(now time.Time) bool {
	return t.DueDate != nil && t.Status != StatusDone && t.DueDate.Before(now)
}

// parseDueDate accepts RFC 3339 timestamps or plain dates.
func parseDueDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("invalid due date %q: use YYYY-MM-DD or RFC 3339", s)
	}
	return &t, nil
}
