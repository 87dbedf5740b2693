package core

import (
	"time"
)

// TaskType selects the action a task performs when triggered.
type TaskType string

const (
	TaskTypeShellCommand TaskType = "shell_command"
	TaskTypeAPICall      TaskType = "api_call"
	TaskTypeAI           TaskType = "ai"
	TaskTypeReminder     TaskType = "reminder"
)

// ExecutionStatus describes the lifecycle state of a single execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further status transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Task represents a recurring job definition. Type is immutable after
// creation; exactly one type-specific payload group is populated per type.
type Task struct {
	ID       string
	Name     string
	Type     TaskType
	Schedule string
	Enabled  bool

	// shell_command payload
	Command string

	// api_call payload
	APIURL     string
	APIMethod  string
	APIHeaders map[string]string
	APIBody    map[string]any

	// ai payload
	Prompt string

	// reminder payload
	ReminderTitle   string
	ReminderMessage string

	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks name, type and the type/payload consistency rule.
// Cron syntax is validated separately by the schedule evaluator.
func (t *Task) Validate() error {
	if t.Name == "" {
		return &ValidationError{Reason: "task name is required"}
	}
	switch t.Type {
	case TaskTypeShellCommand:
		if t.Command == "" {
			return &ValidationError{Reason: "command is required for shell_command tasks"}
		}
	case TaskTypeAPICall:
		if t.APIURL == "" {
			return &ValidationError{Reason: "api_url is required for api_call tasks"}
		}
	case TaskTypeAI:
		if t.Prompt == "" {
			return &ValidationError{Reason: "prompt is required for ai tasks"}
		}
	case TaskTypeReminder:
		if t.ReminderMessage == "" {
			return &ValidationError{Reason: "reminder_message is required for reminder tasks"}
		}
	default:
		return &ValidationError{Reason: "unknown task type: " + string(t.Type)}
	}
	return nil
}

// TaskPatch carries the mutable task fields for an update. Nil pointers mean
// "leave unchanged". Type is deliberately absent: changing a task's type
// means deleting and recreating it.
type TaskPatch struct {
	Name     *string
	Schedule *string
	Enabled  *bool

	Command *string

	APIURL     *string
	APIMethod  *string
	APIHeaders map[string]string
	APIBody    map[string]any

	Prompt *string

	ReminderTitle   *string
	ReminderMessage *string
}

// TaskExecution is one historical run record for a task. Output is set only
// when the execution completed, Error only when it failed.
type TaskExecution struct {
	ID        string
	TaskID    string
	Status    ExecutionStatus
	StartTime time.Time
	EndTime   *time.Time
	Output    *string
	Error     *string
}
