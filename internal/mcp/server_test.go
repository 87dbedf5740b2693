package mcp

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"mcpscheduler/internal/core"
	"mcpscheduler/internal/store"
)

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			b.WriteString(text.Text)
		}
	}
	return b.String()
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}

func TestToolErrorMapping(t *testing.T) {
	s := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &core.ValidationError{Reason: "task name is required"}, "task name is required"},
		{"schedule", &core.InvalidScheduleError{Expr: "@daily", Reason: "only 5-field cron expressions are supported"}, "@daily"},
		{"not found", store.ErrTaskNotFound, "task not found"},
		{"already running", core.ErrTaskAlreadyRunning, "already running"},
		{"internal", errors.New("disk io error"), "internal error"},
	}
	for _, tc := range cases {
		result := s.toolError("create task", tc.err)
		if !result.IsError {
			t.Errorf("%s: result not marked as error", tc.name)
		}
		text := resultText(t, result)
		if !contains(text, tc.want) {
			t.Errorf("%s: text = %q, want it to contain %q", tc.name, text, tc.want)
		}
	}

	// Storage details never leak through the generic branch.
	result := s.toolError("create task", errors.New("disk io error"))
	if contains(resultText(t, result), "disk io error") {
		t.Error("internal error detail leaked into tool output")
	}
}

func TestStringMap(t *testing.T) {
	if stringMap(nil) != nil {
		t.Error("nil in, nil out")
	}
	got := stringMap(map[string]any{"a": "x", "b": 2, "c": true})
	if got["a"] != "x" || got["b"] != "2" || got["c"] != "true" {
		t.Errorf("got %v", got)
	}
}

func TestFormatTime(t *testing.T) {
	if formatTime(nil) != "-" {
		t.Errorf("nil time = %q, want -", formatTime(nil))
	}
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if formatTime(&at) != "2025-03-10T09:00:00Z" {
		t.Errorf("got %q", formatTime(&at))
	}
}

func TestTruncateString(t *testing.T) {
	if got := truncateString("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	got := truncateString("a long string that needs cutting", 10)
	if len(got) != 10 || got[7:] != "..." {
		t.Errorf("got %q", got)
	}
}

func TestTruncateStringKeepsRunesIntact(t *testing.T) {
	got := truncateString("日本語のとても長い出力テキスト", 8)
	if !utf8.ValidString(got) {
		t.Fatalf("got %q, invalid UTF-8", got)
	}
	if got != "日本語のと..." {
		t.Errorf("got %q", got)
	}
	if got := truncateString("日本語テキスト", 2); got != "日本" {
		t.Errorf("got %q", got)
	}
	if got := truncateString("whatever", 0); got != "" {
		t.Errorf("got %q", got)
	}
}
