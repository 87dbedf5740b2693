package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"mcpscheduler/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "scheduler.db"), 100)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func shellTask(name string) *core.Task {
	return &core.Task{
		Name:     name,
		Type:     core.TaskTypeShellCommand,
		Schedule: "0 9 * * *",
		Enabled:  true,
		Command:  "echo hello",
	}
}

func TestCreateTaskAssignsIDAndNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("morning echo"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ID == "" {
		t.Error("id not assigned")
	}
	if created.NextRunAt == nil {
		t.Fatal("next_run_at not computed")
	}
	if !created.NextRunAt.After(time.Now().UTC()) {
		t.Errorf("next_run_at %v is not in the future", created.NextRunAt)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestCreateTaskRejectsInvalidDefinitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		task *core.Task
	}{
		{"missing name", &core.Task{Type: core.TaskTypeShellCommand, Schedule: "* * * * *", Command: "true"}},
		{"missing command", &core.Task{Name: "x", Type: core.TaskTypeShellCommand, Schedule: "* * * * *"}},
		{"missing url", &core.Task{Name: "x", Type: core.TaskTypeAPICall, Schedule: "* * * * *"}},
		{"missing prompt", &core.Task{Name: "x", Type: core.TaskTypeAI, Schedule: "* * * * *"}},
		{"missing message", &core.Task{Name: "x", Type: core.TaskTypeReminder, Schedule: "* * * * *"}},
		{"unknown type", &core.Task{Name: "x", Type: core.TaskType("bogus"), Schedule: "* * * * *"}},
		{"bad schedule", &core.Task{Name: "x", Type: core.TaskTypeShellCommand, Schedule: "not cron", Command: "true"}},
	}
	for _, tc := range cases {
		if _, err := s.CreateTask(ctx, tc.task); err == nil {
			t.Errorf("%s: CreateTask succeeded, want validation error", tc.name)
		} else {
			var valErr *core.ValidationError
			if !errors.As(err, &valErr) {
				t.Errorf("%s: got %T (%v), want *core.ValidationError", tc.name, err, err)
			}
		}
	}
}

func TestTaskRoundTripSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "scheduler.db")

	s, err := Open(ctx, dbPath, 100)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	task := &core.Task{
		Name:       "status check",
		Type:       core.TaskTypeAPICall,
		Schedule:   "*/5 * * * *",
		Enabled:    true,
		APIURL:     "https://example.com/health",
		APIMethod:  "POST",
		APIHeaders: map[string]string{"Authorization": "Bearer token"},
		APIBody:    map[string]any{"source": "scheduler"},
	}
	created, err := s.CreateTask(ctx, task)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := Open(ctx, dbPath, 100)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask after reopen: %v", err)
	}
	if loaded.Name != task.Name || loaded.Type != task.Type || loaded.Schedule != task.Schedule {
		t.Errorf("definition changed across reopen: %+v", loaded)
	}
	if loaded.APIURL != task.APIURL || loaded.APIMethod != task.APIMethod {
		t.Errorf("api payload changed across reopen: %+v", loaded)
	}
	if loaded.APIHeaders["Authorization"] != "Bearer token" {
		t.Errorf("headers = %v", loaded.APIHeaders)
	}
	if loaded.APIBody["source"] != "scheduler" {
		t.Errorf("body = %v", loaded.APIBody)
	}
	if loaded.NextRunAt == nil || !loaded.NextRunAt.Equal(*created.NextRunAt) {
		t.Errorf("next_run_at = %v, want %v", loaded.NextRunAt, created.NextRunAt)
	}
}

func TestDueTasksOrderingAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older, err := s.CreateTask(ctx, shellTask("older"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	newer, err := s.CreateTask(ctx, shellTask("newer"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	future, err := s.CreateTask(ctx, shellTask("future"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	disabled, err := s.CreateTask(ctx, shellTask("disabled"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.SetEnabled(ctx, disabled.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	now := time.Now().UTC()
	if err := s.SetNextRun(ctx, older.ID, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("SetNextRun: %v", err)
	}
	if err := s.SetNextRun(ctx, newer.ID, now.Add(-time.Minute)); err != nil {
		t.Fatalf("SetNextRun: %v", err)
	}
	if err := s.SetNextRun(ctx, future.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("SetNextRun: %v", err)
	}

	due, err := s.DueTasks(ctx, now)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due tasks, want 2", len(due))
	}
	if due[0].ID != older.ID || due[1].ID != newer.ID {
		t.Errorf("due order = [%s %s], want oldest first", due[0].Name, due[1].Name)
	}
}

func TestUpdateTaskRecomputesNextRunOnScheduleChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("daily"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	newSchedule := "*/10 * * * *"
	updated, err := s.UpdateTask(ctx, created.ID, core.TaskPatch{Schedule: &newSchedule})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Schedule != newSchedule {
		t.Errorf("schedule = %q, want %q", updated.Schedule, newSchedule)
	}
	if updated.NextRunAt == nil {
		t.Fatal("next_run_at cleared by schedule change")
	}
	// A 10-minute cadence always triggers sooner than the next 09:00.
	if !updated.NextRunAt.Before(time.Now().UTC().Add(11 * time.Minute)) {
		t.Errorf("next_run_at %v not recomputed for new schedule", updated.NextRunAt)
	}
}

func TestUpdateTaskRejectsWrongTypePayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("shell"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	prompt := "tell me a story"
	_, err = s.UpdateTask(ctx, created.ID, core.TaskPatch{Prompt: &prompt})
	if err == nil {
		t.Fatal("UpdateTask accepted a prompt patch on a shell task")
	}
	var valErr *core.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("got %T, want *core.ValidationError", err)
	}
}

func TestUpdateTaskRejectsInvalidSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("victim"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	bad := "99 99 * * *"
	if _, err := s.UpdateTask(ctx, created.ID, core.TaskPatch{Schedule: &bad}); err == nil {
		t.Fatal("UpdateTask accepted an invalid schedule")
	}

	// The stored definition must be unchanged.
	loaded, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if loaded.Schedule != created.Schedule {
		t.Errorf("schedule = %q after rejected update, want %q", loaded.Schedule, created.Schedule)
	}
}

func TestDisableClearsNextRunKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("on and off"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	execution, err := s.RecordExecutionStart(ctx, created.ID)
	if err != nil {
		t.Fatalf("RecordExecutionStart: %v", err)
	}
	output := "ran"
	if err := s.RecordExecutionEnd(ctx, execution.ID, core.ExecutionStatusCompleted, &output, nil, time.Now().UTC()); err != nil {
		t.Fatalf("RecordExecutionEnd: %v", err)
	}

	disabled, err := s.SetEnabled(ctx, created.ID, false)
	if err != nil {
		t.Fatalf("SetEnabled(false): %v", err)
	}
	if disabled.Enabled {
		t.Error("task still enabled")
	}
	if disabled.NextRunAt != nil {
		t.Errorf("next_run_at = %v on disabled task, want nil", disabled.NextRunAt)
	}

	history, err := s.ExecutionHistory(ctx, created.ID, 0)
	if err != nil {
		t.Fatalf("ExecutionHistory: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history length = %d after disable, want 1", len(history))
	}

	due, err := s.DueTasks(ctx, time.Now().UTC().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	for _, task := range due {
		if task.ID == created.ID {
			t.Error("disabled task returned as due")
		}
	}

	enabled, err := s.SetEnabled(ctx, created.ID, true)
	if err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}
	if enabled.NextRunAt == nil {
		t.Error("next_run_at not recomputed on re-enable")
	}
}

func TestDeleteTaskCascadesExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("doomed"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	execution, err := s.RecordExecutionStart(ctx, created.ID)
	if err != nil {
		t.Fatalf("RecordExecutionStart: %v", err)
	}

	if err := s.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask after delete = %v, want ErrTaskNotFound", err)
	}
	if _, err := s.GetExecution(ctx, execution.ID); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("GetExecution after cascade = %v, want ErrExecutionNotFound", err)
	}
	if err := s.DeleteTask(ctx, created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("double delete = %v, want ErrTaskNotFound", err)
	}
}

func TestListTasksEnabledFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateTask(ctx, shellTask("a"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.CreateTask(ctx, shellTask("b")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.SetEnabled(ctx, a.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	all, err := s.ListTasks(ctx, nil)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all tasks = %d, want 2", len(all))
	}

	on := true
	enabledOnly, err := s.ListTasks(ctx, &on)
	if err != nil {
		t.Fatalf("ListTasks(enabled): %v", err)
	}
	if len(enabledOnly) != 1 || enabledOnly[0].Name != "b" {
		t.Errorf("enabled tasks = %v", enabledOnly)
	}

	off := false
	disabledOnly, err := s.ListTasks(ctx, &off)
	if err != nil {
		t.Fatalf("ListTasks(disabled): %v", err)
	}
	if len(disabledOnly) != 1 || disabledOnly[0].Name != "a" {
		t.Errorf("disabled tasks = %v", disabledOnly)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("runner"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	execution, err := s.RecordExecutionStart(ctx, created.ID)
	if err != nil {
		t.Fatalf("RecordExecutionStart: %v", err)
	}
	if execution.Status != core.ExecutionStatusRunning {
		t.Errorf("status = %s, want running", execution.Status)
	}

	// Ending with a non-terminal status is rejected.
	if err := s.RecordExecutionEnd(ctx, execution.ID, core.ExecutionStatusRunning, nil, nil, time.Now().UTC()); err == nil {
		t.Error("RecordExecutionEnd accepted a non-terminal status")
	}

	errMsg := "command failed with exit code 1: unknown error"
	endedAt := time.Now().UTC()
	if err := s.RecordExecutionEnd(ctx, execution.ID, core.ExecutionStatusFailed, nil, &errMsg, endedAt); err != nil {
		t.Fatalf("RecordExecutionEnd: %v", err)
	}

	loaded, err := s.GetExecution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if loaded.Status != core.ExecutionStatusFailed {
		t.Errorf("status = %s, want failed", loaded.Status)
	}
	if loaded.Error == nil || *loaded.Error != errMsg {
		t.Errorf("error = %v, want %q", loaded.Error, errMsg)
	}
	if loaded.Output != nil {
		t.Errorf("output = %v on failed execution, want nil", loaded.Output)
	}
	if loaded.EndTime == nil {
		t.Error("end_time not set")
	}

	if err := s.RecordExecutionEnd(ctx, "no-such-id", core.ExecutionStatusCompleted, nil, nil, time.Now().UTC()); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("RecordExecutionEnd on unknown id = %v, want ErrExecutionNotFound", err)
	}
}

func TestExecutionHistoryOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("busy"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	var last string
	for i := 0; i < 5; i++ {
		execution, err := s.RecordExecutionStart(ctx, created.ID)
		if err != nil {
			t.Fatalf("RecordExecutionStart: %v", err)
		}
		output := "ok"
		if err := s.RecordExecutionEnd(ctx, execution.ID, core.ExecutionStatusCompleted, &output, nil, time.Now().UTC()); err != nil {
			t.Fatalf("RecordExecutionEnd: %v", err)
		}
		last = execution.ID
		time.Sleep(2 * time.Millisecond)
	}

	history, err := s.ExecutionHistory(ctx, created.ID, 3)
	if err != nil {
		t.Fatalf("ExecutionHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].ID != last {
		t.Errorf("most recent execution = %s, want %s", history[0].ID, last)
	}
	for i := 1; i < len(history); i++ {
		if history[i].StartTime.After(history[i-1].StartTime) {
			t.Errorf("history not in reverse chronological order at index %d", i)
		}
	}
}

func TestHistoryPruning(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "scheduler.db"), 3)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	created, err := s.CreateTask(ctx, shellTask("chatty"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for i := 0; i < 6; i++ {
		execution, err := s.RecordExecutionStart(ctx, created.ID)
		if err != nil {
			t.Fatalf("RecordExecutionStart: %v", err)
		}
		output := "ok"
		if err := s.RecordExecutionEnd(ctx, execution.ID, core.ExecutionStatusCompleted, &output, nil, time.Now().UTC()); err != nil {
			t.Fatalf("RecordExecutionEnd: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	history, err := s.ExecutionHistory(ctx, created.ID, 100)
	if err != nil {
		t.Fatalf("ExecutionHistory: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("history length = %d after pruning, want 3", len(history))
	}
}

func TestUpdateTaskKeepsAdvancedNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("renamed while firing"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	advanced := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := s.SetNextRun(ctx, created.ID, advanced); err != nil {
		t.Fatalf("SetNextRun: %v", err)
	}

	name := "renamed"
	if _, err := s.UpdateTask(ctx, created.ID, core.TaskPatch{Name: &name}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(advanced) {
		t.Errorf("next_run_at = %v after rename, want %v", got.NextRunAt, advanced)
	}
}

func TestUpdateTaskConcurrentWithDispatchAdvances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("busy"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := s.SetNextRun(ctx, created.ID, base); err != nil {
		t.Fatalf("SetNextRun: %v", err)
	}

	// Simulate the engine advancing the trigger while a control surface
	// patches unrelated fields. next_run_at must never move backwards.
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 200; i++ {
			at := base.Add(time.Duration(i) * time.Minute)
			if err := s.SetNextRun(context.Background(), created.ID, at); err != nil {
				errCh <- err
				return
			}
		}
	}()

	prev := base
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("busy %d", i)
		if _, err := s.UpdateTask(ctx, created.ID, core.TaskPatch{Name: &name}); err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		got, err := s.GetTask(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.NextRunAt == nil {
			t.Fatal("next_run_at cleared by rename")
		}
		if got.NextRunAt.Before(prev) {
			t.Fatalf("next_run_at moved backwards: %v observed after %v", got.NextRunAt, prev)
		}
		prev = *got.NextRunAt
	}
	<-done
	select {
	case err := <-errCh:
		t.Fatalf("SetNextRun: %v", err)
	default:
	}
}

func TestDueTasksWithFractionalSecondCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, shellTask("on the second"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := s.SetNextRun(ctx, created.ID, due); err != nil {
		t.Fatalf("SetNextRun: %v", err)
	}

	// A whole-second trigger must be due against a cutoff inside the same
	// second. The stored text comparison has to hold across fractional parts.
	tasks, err := s.DueTasks(ctx, due.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("due tasks = %d, want 1", len(tasks))
	}
	if tasks[0].ID != created.ID {
		t.Errorf("due task id = %s, want %s", tasks[0].ID, created.ID)
	}
}
