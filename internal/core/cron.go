package core

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// searchHorizon bounds how far into the future the evaluator looks before
// declaring an expression unreachable (e.g. "0 0 31 2 *").
const searchHorizon = 4 * 366 * 24 * time.Hour

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, &InvalidScheduleError{Expr: expr, Reason: "only 5-field cron expressions are supported"}
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Reason: err.Error()}
	}
	return schedule, nil
}

// NextTrigger evaluates the expression against a reference time and returns
// the next trigger strictly after it. Minute resolution; seconds in the
// reference are ignored.
func NextTrigger(expr string, ref time.Time) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(ref)
	if next.IsZero() || next.Sub(ref) > searchHorizon {
		return time.Time{}, &InvalidScheduleError{Expr: expr, Reason: "no reachable future trigger"}
	}
	return next, nil
}

// NextOccurrences returns the next n trigger times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}
