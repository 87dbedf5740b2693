package core

import (
	"errors"
	"testing"
	"time"
)

func TestParseCronRejectsInvalidExpressions(t *testing.T) {
	cases := []string{
		"",
		"not a cron",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"@daily",
		"@every 5m",
	}
	for _, expr := range cases {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) succeeded, want error", expr)
		} else {
			var schedErr *InvalidScheduleError
			if !errors.As(err, &schedErr) {
				t.Errorf("ParseCron(%q) returned %T, want *InvalidScheduleError", expr, err)
			}
		}
	}
}

func TestParseCronAcceptsFiveFieldExpressions(t *testing.T) {
	cases := []string{
		"* * * * *",
		"0 9 * * *",
		"*/5 * * * *",
		"30 14 1 * *",
		"0 0 * * 1-5",
	}
	for _, expr := range cases {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q) failed: %v", expr, err)
		}
	}
}

func TestNextTriggerStrictlyAfterReference(t *testing.T) {
	ref := time.Date(2025, 3, 10, 9, 0, 30, 0, time.UTC)
	next, err := NextTrigger("0 9 * * *", ref)
	if err != nil {
		t.Fatalf("NextTrigger: %v", err)
	}
	want := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if !next.After(ref) {
		t.Errorf("next %v is not strictly after reference %v", next, ref)
	}
}

func TestNextTriggerEveryMinute(t *testing.T) {
	ref := time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC)
	next, err := NextTrigger("* * * * *", ref)
	if err != nil {
		t.Fatalf("NextTrigger: %v", err)
	}
	want := ref.Add(time.Minute)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextTriggerUnreachableSchedule(t *testing.T) {
	// February 31st never exists.
	_, err := NextTrigger("0 0 31 2 *", time.Now())
	if err == nil {
		t.Fatal("NextTrigger accepted an unreachable schedule")
	}
	var schedErr *InvalidScheduleError
	if !errors.As(err, &schedErr) {
		t.Fatalf("got %T, want *InvalidScheduleError", err)
	}
}

func TestNextOccurrencesCount(t *testing.T) {
	schedule, err := ParseCron("0 * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	base := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	times := NextOccurrences(schedule, base, 3)
	if len(times) != 3 {
		t.Fatalf("got %d occurrences, want 3", len(times))
	}
	for i, at := range times {
		want := time.Date(2025, 3, 10, 10+i, 0, 0, 0, time.UTC)
		if !at.Equal(want) {
			t.Errorf("occurrence %d = %v, want %v", i, at, want)
		}
		if i > 0 && !at.After(times[i-1]) {
			t.Errorf("occurrences not strictly increasing at index %d", i)
		}
	}
}
