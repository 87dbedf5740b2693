package core

import "fmt"

// ValidationError reports a task definition rejected before persistence:
// bad cron syntax or a missing required payload field for the task type.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// InvalidScheduleError reports a cron expression that cannot be parsed or
// never fires within the evaluator's search horizon.
type InvalidScheduleError struct {
	Expr   string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %s", e.Expr, e.Reason)
}

// PersistenceError wraps a storage I/O failure. Callers must not assume any
// partial write happened.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
