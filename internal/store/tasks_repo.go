package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mcpscheduler/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

// CreateTask validates the definition, assigns an id, computes the initial
// next_run_at via the schedule evaluator and persists the task.
func (s *Store) CreateTask(ctx context.Context, task *core.Task) (*core.Task, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next, err := core.NextTrigger(task.Schedule, now)
	if err != nil {
		return nil, &core.ValidationError{Reason: err.Error()}
	}
	if task.ID == "" {
		task.ID = core.NewID()
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Enabled {
		task.NextRunAt = &next
	} else {
		task.NextRunAt = nil
	}

	headers, body, err := encodePayload(task)
	if err != nil {
		return nil, err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (id, name, type, schedule, enabled, command, api_url, api_method, api_headers, api_body,
			prompt, reminder_title, reminder_message, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Type, task.Schedule, boolToInt(task.Enabled),
		nullableString(task.Command), nullableString(task.APIURL), nullableString(task.APIMethod), headers, body,
		nullableString(task.Prompt), nullableString(task.ReminderTitle), nullableString(task.ReminderMessage),
		nullableTime(task.LastRunAt), nullableTime(task.NextRunAt),
		task.CreatedAt.UTC().Format(timeFormat), task.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return nil, persistErr("insert task", err)
	}
	return task, nil
}

// UpdateTask applies a patch to an existing task. next_run_at is recomputed
// whenever the schedule or the enabled flag changed; a disabled task keeps
// no next trigger.
func (s *Store) UpdateTask(ctx context.Context, id string, patch core.TaskPatch) (*core.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	scheduleChanged := false
	enabledChanged := false
	if patch.Name != nil {
		task.Name = *patch.Name
	}
	if patch.Schedule != nil && *patch.Schedule != task.Schedule {
		if _, err := core.ParseCron(*patch.Schedule); err != nil {
			return nil, &core.ValidationError{Reason: err.Error()}
		}
		task.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	if patch.Enabled != nil && *patch.Enabled != task.Enabled {
		task.Enabled = *patch.Enabled
		enabledChanged = true
	}
	if err := applyPayloadPatch(task, patch); err != nil {
		return nil, err
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	recomputeNextRun := scheduleChanged || enabledChanged
	if recomputeNextRun {
		if task.Enabled {
			next, err := core.NextTrigger(task.Schedule, time.Now().UTC())
			if err != nil {
				return nil, &core.ValidationError{Reason: err.Error()}
			}
			task.NextRunAt = &next
		} else {
			task.NextRunAt = nil
		}
	}
	task.UpdatedAt = time.Now().UTC()

	headers, body, err := encodePayload(task)
	if err != nil {
		return nil, err
	}
	// next_run_at is written only when it was recomputed here. The engine
	// advances it concurrently via SetNextRun; writing back the value read
	// above would revert such an advance and make a fired trigger due again.
	query := `
		UPDATE tasks
		SET name = ?, schedule = ?, enabled = ?, command = ?, api_url = ?, api_method = ?, api_headers = ?, api_body = ?,
			prompt = ?, reminder_title = ?, reminder_message = ?, updated_at = ?
		WHERE id = ?
	`
	args := []any{task.Name, task.Schedule, boolToInt(task.Enabled),
		nullableString(task.Command), nullableString(task.APIURL), nullableString(task.APIMethod), headers, body,
		nullableString(task.Prompt), nullableString(task.ReminderTitle), nullableString(task.ReminderMessage),
		task.UpdatedAt.UTC().Format(timeFormat), task.ID}
	if recomputeNextRun {
		query = `
		UPDATE tasks
		SET name = ?, schedule = ?, enabled = ?, command = ?, api_url = ?, api_method = ?, api_headers = ?, api_body = ?,
			prompt = ?, reminder_title = ?, reminder_message = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`
		args = []any{task.Name, task.Schedule, boolToInt(task.Enabled),
			nullableString(task.Command), nullableString(task.APIURL), nullableString(task.APIMethod), headers, body,
			nullableString(task.Prompt), nullableString(task.ReminderTitle), nullableString(task.ReminderMessage),
			nullableTime(task.NextRunAt), task.UpdatedAt.UTC().Format(timeFormat), task.ID}
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("update task", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, persistErr("update task rows", err)
	}
	if rows == 0 {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// SetEnabled flips the enabled flag, recomputing next_run_at accordingly.
// Disabled tasks keep their execution history.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (*core.Task, error) {
	return s.UpdateTask(ctx, id, core.TaskPatch{Enabled: &enabled})
}

// DeleteTask removes a task; its execution history cascades away with it.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return persistErr("delete task", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return persistErr("delete task rows", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, persistErr("get task", err)
	}
	return task, nil
}

// ListTasks returns all tasks, optionally filtered on the enabled flag.
func (s *Store) ListTasks(ctx context.Context, enabled *bool) ([]*core.Task, error) {
	var rows *sql.Rows
	var err error
	if enabled != nil {
		rows, err = s.DB.QueryContext(ctx, taskSelect+` WHERE enabled = ? ORDER BY created_at DESC`, boolToInt(*enabled))
	} else {
		rows, err = s.DB.QueryContext(ctx, taskSelect+` ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, persistErr("query tasks", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, persistErr("scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate tasks", err)
	}
	return tasks, nil
}

// DueTasks returns enabled tasks whose next_run_at is at or before asOf,
// oldest due first so long-overdue tasks cannot be starved under load.
func (s *Store) DueTasks(ctx context.Context, asOf time.Time) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, taskSelect+`
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`, asOf.UTC().Format(timeFormat))
	if err != nil {
		return nil, persistErr("query due tasks", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, persistErr("scan due task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate due tasks", err)
	}
	return tasks, nil
}

// SetNextRun persists a recomputed trigger time for a task.
func (s *Store) SetNextRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET next_run_at = ?, updated_at = ? WHERE id = ?
	`, at.UTC().Format(timeFormat), time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return persistErr("set next_run_at", err)
	}
	return nil
}

// MarkLastRun records the trigger time of the most recent execution.
func (s *Store) MarkLastRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET last_run_at = ?, updated_at = ? WHERE id = ?
	`, at.UTC().Format(timeFormat), time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return persistErr("mark last run", err)
	}
	return nil
}

const taskSelect = `
	SELECT id, name, type, schedule, enabled, command, api_url, api_method, api_headers, api_body,
		prompt, reminder_title, reminder_message, last_run_at, next_run_at, created_at, updated_at
	FROM tasks`

func applyPayloadPatch(task *core.Task, patch core.TaskPatch) error {
	reject := func(field string, taskType core.TaskType) error {
		return &core.ValidationError{Reason: fmt.Sprintf("%s is only valid for %s tasks", field, taskType)}
	}
	if patch.Command != nil {
		if task.Type != core.TaskTypeShellCommand {
			return reject("command", core.TaskTypeShellCommand)
		}
		task.Command = *patch.Command
	}
	if patch.APIURL != nil || patch.APIMethod != nil || patch.APIHeaders != nil || patch.APIBody != nil {
		if task.Type != core.TaskTypeAPICall {
			return reject("api payload", core.TaskTypeAPICall)
		}
		if patch.APIURL != nil {
			task.APIURL = *patch.APIURL
		}
		if patch.APIMethod != nil {
			task.APIMethod = *patch.APIMethod
		}
		if patch.APIHeaders != nil {
			task.APIHeaders = patch.APIHeaders
		}
		if patch.APIBody != nil {
			task.APIBody = patch.APIBody
		}
	}
	if patch.Prompt != nil {
		if task.Type != core.TaskTypeAI {
			return reject("prompt", core.TaskTypeAI)
		}
		task.Prompt = *patch.Prompt
	}
	if patch.ReminderTitle != nil || patch.ReminderMessage != nil {
		if task.Type != core.TaskTypeReminder {
			return reject("reminder payload", core.TaskTypeReminder)
		}
		if patch.ReminderTitle != nil {
			task.ReminderTitle = *patch.ReminderTitle
		}
		if patch.ReminderMessage != nil {
			task.ReminderMessage = *patch.ReminderMessage
		}
	}
	return nil
}

func encodePayload(task *core.Task) (headers, body any, err error) {
	headers = nil
	body = nil
	if task.APIHeaders != nil {
		data, err := json.Marshal(task.APIHeaders)
		if err != nil {
			return nil, nil, &core.ValidationError{Reason: fmt.Sprintf("encode api_headers: %v", err)}
		}
		headers = string(data)
	}
	if task.APIBody != nil {
		data, err := json.Marshal(task.APIBody)
		if err != nil {
			return nil, nil, &core.ValidationError{Reason: fmt.Sprintf("encode api_body: %v", err)}
		}
		body = string(data)
	}
	return headers, body, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id       string
		name     string
		taskType string
		schedule string
		enabled  int
		command  sql.NullString
		apiURL   sql.NullString
		apiMeth  sql.NullString
		headers  sql.NullString
		body     sql.NullString
		prompt   sql.NullString
		remTitle sql.NullString
		remMsg   sql.NullString
		lastRun  sql.NullString
		nextRun  sql.NullString
		created  string
		updated  string
	)
	if err := scanner.Scan(&id, &name, &taskType, &schedule, &enabled, &command, &apiURL, &apiMeth, &headers, &body,
		&prompt, &remTitle, &remMsg, &lastRun, &nextRun, &created, &updated); err != nil {
		return nil, err
	}
	task := &core.Task{
		ID:       id,
		Name:     name,
		Type:     core.TaskType(taskType),
		Schedule: schedule,
		Enabled:  enabled != 0,
	}
	if command.Valid {
		task.Command = command.String
	}
	if apiURL.Valid {
		task.APIURL = apiURL.String
	}
	if apiMeth.Valid {
		task.APIMethod = apiMeth.String
	}
	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &task.APIHeaders); err != nil {
			return nil, fmt.Errorf("decode api_headers: %w", err)
		}
	}
	if body.Valid {
		if err := json.Unmarshal([]byte(body.String), &task.APIBody); err != nil {
			return nil, fmt.Errorf("decode api_body: %w", err)
		}
	}
	if prompt.Valid {
		task.Prompt = prompt.String
	}
	if remTitle.Valid {
		task.ReminderTitle = remTitle.String
	}
	if remMsg.Valid {
		task.ReminderMessage = remMsg.String
	}
	if lastRun.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastRun.String); err == nil {
			task.LastRunAt = &t
		}
	}
	if nextRun.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextRun.String); err == nil {
			task.NextRunAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		task.UpdatedAt = t
	}
	return task, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(timeFormat)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
