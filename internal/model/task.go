package model

import (
	"fmt"
	"strings"
	"time"
)

// TaskError is one failed attempt recorded against a task.
type TaskError struct {
	Attempt     int    `yaml:"attempt"`
	ErrorType   string `yaml:"error_type"`
	Message     string `yaml:"message"`
	Timestamp   string `yaml:"timestamp"`
	LineNumber  int    `yaml:"line_number,omitempty"`
	CodeSnippet string `yaml:"code_snippet,omitempty"`
	Phase       string `yaml:"phase,omitempty"`
}

type Task struct {
	ID           string      `yaml:"id"`
	Description  string      `yaml:"description"`
	TargetFile   string      `yaml:"target_file"`
	Status       TaskStatus  `yaml:"status"`
	Priority     int         `yaml:"priority"`
	Attempts     int         `yaml:"attempts"`
	Dependencies []string    `yaml:"dependencies,omitempty"`
	Errors       []TaskError `yaml:"errors,omitempty"`
	ObjectiveID  string      `yaml:"objective_id,omitempty"`
	IssueID      string      `yaml:"issue_id,omitempty"`
	CreatedAt    string      `yaml:"created_at"`
	UpdatedAt    string      `yaml:"updated_at"`
	CompletedAt  string      `yaml:"completed_at,omitempty"`
}

// Task priorities. Lower numbers are scheduled first.
const (
	PriorityCriticalBug   = 1
	PriorityQAFailure     = 2
	PriorityDebugFix      = 3
	PriorityNewTask       = 6
	PriorityLow           = 7
	PriorityDocumentation = 10
	PriorityExpansion     = 30
)

// NewTask builds a NEW task stamped with the current time.
func NewTask(description, targetFile string, priority int) *Task {
	now := Now()
	return &Task{
		ID:          MustGenerateID(IDTypeTask),
		Description: description,
		TargetFile:  NormalizePath(targetFile),
		Status:      TaskStatusNew,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition moves the task along the status graph.
func (t *Task) Transition(to TaskStatus, now string) error {
	if err := ValidateTaskTransition(t.Status, to); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Status = to
	t.UpdatedAt = now
	if to == TaskStatusCompleted {
		t.CompletedAt = now
	}
	return nil
}

// AddError records a failed attempt and bumps the attempt counter.
func (t *Task) AddError(phase, errorType, message string, now string) {
	t.Attempts++
	t.Errors = append(t.Errors, TaskError{
		Attempt:   t.Attempts,
		ErrorType: errorType,
		Message:   message,
		Timestamp: now,
		Phase:     phase,
	})
	t.UpdatedAt = now
}

func (t *Task) IsTerminal() bool {
	return IsTaskTerminal(t.Status)
}

// IsDocumentation reports whether the task targets a markdown document.
func (t *Task) IsDocumentation() bool {
	return strings.HasSuffix(strings.ToLower(t.TargetFile), ".md")
}

// Now returns the current time in the timestamp format used by persisted state.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ParseTime parses a persisted timestamp. The zero time is returned for empty
// or malformed input.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NormalizePath strips leading "./" and "/" and converts separators so the
// same file always maps to the same key.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return strings.TrimLeft(p, "/")
}
