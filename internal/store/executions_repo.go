package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mcpscheduler/internal/core"
)

var ErrExecutionNotFound = errors.New("execution not found")

// RecordExecutionStart inserts a running execution row for the task and
// returns it.
func (s *Store) RecordExecutionStart(ctx context.Context, taskID string) (*core.TaskExecution, error) {
	execution := &core.TaskExecution{
		ID:        core.NewID(),
		TaskID:    taskID,
		Status:    core.ExecutionStatusRunning,
		StartTime: time.Now().UTC(),
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_executions (id, task_id, status, start_time)
		VALUES (?, ?, ?, ?)
	`, execution.ID, execution.TaskID, execution.Status, execution.StartTime.UTC().Format(timeFormat))
	if err != nil {
		return nil, persistErr("insert execution", err)
	}
	return execution, nil
}

// RecordExecutionEnd moves an execution to its terminal state. Exactly one of
// output and errMsg must be set, matching the status. History beyond the
// retention bound is pruned afterwards.
func (s *Store) RecordExecutionEnd(ctx context.Context, executionID string, status core.ExecutionStatus, output, errMsg *string, endedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("non-terminal execution status: %s", status)
	}
	var taskID string
	if err := s.DB.QueryRowContext(ctx, `SELECT task_id FROM task_executions WHERE id = ?`, executionID).Scan(&taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return persistErr("load execution", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_executions
		SET status = ?, end_time = ?, output = ?, error = ?
		WHERE id = ?
	`, status, endedAt.UTC().Format(timeFormat), nullablePtr(output), nullablePtr(errMsg), executionID)
	if err != nil {
		return persistErr("mark execution ended", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return persistErr("mark execution rows", err)
	}
	if rows == 0 {
		return ErrExecutionNotFound
	}
	if err := s.pruneHistory(ctx, taskID); err != nil {
		return err
	}
	return nil
}

// GetExecution loads a single execution record.
func (s *Store) GetExecution(ctx context.Context, id string) (*core.TaskExecution, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, task_id, status, start_time, end_time, output, error
		FROM task_executions WHERE id = ?
	`, id)
	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, persistErr("get execution", err)
	}
	return execution, nil
}

// ExecutionHistory returns the task's execution records, most recent first.
func (s *Store) ExecutionHistory(ctx context.Context, taskID string, limit int) ([]*core.TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, status, start_time, end_time, output, error
		FROM task_executions
		WHERE task_id = ?
		ORDER BY start_time DESC, id DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, persistErr("query executions", err)
	}
	defer rows.Close()
	var executions []*core.TaskExecution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, persistErr("scan execution", err)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate executions", err)
	}
	return executions, nil
}

// pruneHistory keeps the most recent HistoryKeep records per task so history
// does not grow unboundedly.
func (s *Store) pruneHistory(ctx context.Context, taskID string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM task_executions
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM task_executions
			WHERE task_id = ?
			ORDER BY start_time DESC, id DESC
			LIMIT ?
		)
	`, taskID, taskID, s.HistoryKeep)
	if err != nil {
		return persistErr("prune executions", err)
	}
	return nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.TaskExecution, error) {
	var (
		id        string
		taskID    string
		status    string
		startTime string
		endTime   sql.NullString
		output    sql.NullString
		errMsg    sql.NullString
	)
	if err := scanner.Scan(&id, &taskID, &status, &startTime, &endTime, &output, &errMsg); err != nil {
		return nil, err
	}
	execution := &core.TaskExecution{
		ID:     id,
		TaskID: taskID,
		Status: core.ExecutionStatus(status),
	}
	if t, err := time.Parse(time.RFC3339Nano, startTime); err == nil {
		execution.StartTime = t
	}
	if endTime.Valid {
		if t, err := time.Parse(time.RFC3339Nano, endTime.String); err == nil {
			execution.EndTime = &t
		}
	}
	if output.Valid {
		execution.Output = &output.String
	}
	if errMsg.Valid {
		execution.Error = &errMsg.String
	}
	return execution, nil
}

func nullablePtr(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
