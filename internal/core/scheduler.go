package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTaskAlreadyRunning is returned by RunTaskNow when the single-flight
// guard rejects a second concurrent execution of the same task.
var ErrTaskAlreadyRunning = errors.New("task is already running")

// Store abstracts the persistence operations the engine needs. The store is
// the only state shared with the request-handling side; it must serialize
// read-modify-write access across both.
type Store interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	DueTasks(ctx context.Context, asOf time.Time) ([]*Task, error)
	SetNextRun(ctx context.Context, id string, at time.Time) error
	MarkLastRun(ctx context.Context, id string, at time.Time) error
	RecordExecutionStart(ctx context.Context, taskID string) (*TaskExecution, error)
	RecordExecutionEnd(ctx context.Context, executionID string, status ExecutionStatus, output, errMsg *string, endedAt time.Time) error
}

// TaskExecutor runs one task to a terminal execution record.
type TaskExecutor interface {
	Execute(ctx context.Context, task *Task) *TaskExecution
}

// Engine owns the trigger loop: it scans the store for due tasks every tick,
// enforces single-flight per task id, dispatches executions concurrently and
// writes results back. Lifecycle is stopped -> running -> stopped.
type Engine struct {
	store    Store
	executor TaskExecutor
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup

	execWG   sync.WaitGroup
	inFlight sync.Map // task id -> struct{}
}

// NewEngine constructs an engine; interval is the due-task scan period.
func NewEngine(store Store, executor TaskExecutor, logger *slog.Logger, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Engine{
		store:    store,
		executor: executor,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the trigger loop. The first scan happens immediately, so a
// restart after downtime catches up on tasks whose due time passed, firing
// each once. Starting a running engine is a no-op.
func (s *Engine) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.loopWG.Add(1)
	go s.run(ctx)
	s.logger.Info("scheduler started", "check_interval", s.interval)
}

// Stop cancels the loop and waits for it to quiesce. Executions already
// dispatched are left to run to their own timeout or completion.
func (s *Engine) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	s.loopWG.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// Drain waits for in-flight executions to finish or ctx to end.
func (s *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports the externally observable lifecycle state.
func (s *Engine) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Engine) run(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans for due tasks and dispatches each one that is not already in
// flight. The schedule is advanced for every due task, dispatched or skipped,
// so an overlapping run never leaves next_run_at permanently behind.
func (s *Engine) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("scan due tasks", "err", err)
		return
	}
	for _, task := range due {
		next, err := NextTrigger(task.Schedule, now)
		if err != nil {
			s.logger.Error("evaluate schedule", "task_id", task.ID, "schedule", task.Schedule, "err", err)
			continue
		}
		if err := s.store.SetNextRun(ctx, task.ID, next); err != nil {
			s.logger.Error("advance next_run_at", "task_id", task.ID, "err", err)
			continue
		}
		if _, loaded := s.inFlight.LoadOrStore(task.ID, struct{}{}); loaded {
			s.logger.Info("skipping trigger, task still running", "task_id", task.ID)
			continue
		}
		s.dispatch(task, now)
	}
}

// RunTaskNow bypasses the due-time check but keeps the single-flight guard
// and writes history exactly like a scheduled trigger. It does not touch
// next_run_at. The returned record is the freshly inserted running row.
func (s *Engine) RunTaskNow(ctx context.Context, task *Task) (*TaskExecution, error) {
	if _, loaded := s.inFlight.LoadOrStore(task.ID, struct{}{}); loaded {
		return nil, ErrTaskAlreadyRunning
	}
	execution, err := s.store.RecordExecutionStart(ctx, task.ID)
	if err != nil {
		s.inFlight.Delete(task.ID)
		return nil, err
	}
	s.launch(task, execution, time.Now().UTC())
	return execution, nil
}

// dispatch opens the execution record and launches the run. Called with the
// in-flight flag already held.
func (s *Engine) dispatch(task *Task, triggeredAt time.Time) {
	// Detached from the loop context: stopping the engine must not cancel
	// executions that already started.
	execution, err := s.store.RecordExecutionStart(context.Background(), task.ID)
	if err != nil {
		s.inFlight.Delete(task.ID)
		s.logger.Error("record execution start", "task_id", task.ID, "err", err)
		return
	}
	s.launch(task, execution, triggeredAt)
}

func (s *Engine) launch(task *Task, execution *TaskExecution, triggeredAt time.Time) {
	s.execWG.Add(1)
	go func() {
		defer s.execWG.Done()
		defer s.inFlight.Delete(task.ID)

		ctx := context.Background()
		result := s.executor.Execute(ctx, task)
		endedAt := time.Now().UTC()
		if result.EndTime != nil {
			endedAt = *result.EndTime
		}
		if err := s.store.RecordExecutionEnd(ctx, execution.ID, result.Status, result.Output, result.Error, endedAt); err != nil {
			s.logger.Error("record execution end", "task_id", task.ID, "execution_id", execution.ID, "err", err)
		}
		if err := s.store.MarkLastRun(ctx, task.ID, triggeredAt); err != nil {
			s.logger.Error("mark last run", "task_id", task.ID, "err", err)
		}
	}()
}
