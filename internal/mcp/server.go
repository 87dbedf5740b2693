// Package mcp exposes the scheduler over the Model Context Protocol. The
// transport framing (JSON-RPC envelope, error codes, stdio/SSE) is handled
// entirely by the mcp-go server; only well-formed results leave this layer.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"mcpscheduler/internal/core"
	"mcpscheduler/internal/store"
)

// Server wires the MCP tool surface to the task store and scheduler engine.
type Server struct {
	store   *store.Store
	engine  *core.Engine
	logger  *slog.Logger
	name    string
	version string
}

// NewServer creates an MCP control surface.
func NewServer(st *store.Store, engine *core.Engine, logger *slog.Logger, name, version string) *Server {
	return &Server{
		store:   st,
		engine:  engine,
		logger:  logger,
		name:    name,
		version: version,
	}
}

// ServeStdio runs the server on the stdio transport, blocking until the
// stream closes.
func (s *Server) ServeStdio() error {
	m := s.build()
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(m)
}

// ServeSSE runs the server on the SSE HTTP transport at addr.
func (s *Server) ServeSSE(addr string) error {
	m := s.build()
	sse := server.NewSSEServer(m)
	s.logger.Info("MCP server starting on sse", "addr", addr)
	return sse.Start(addr)
}

func (s *Server) build() *server.MCPServer {
	m := server.NewMCPServer(
		s.name,
		s.version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools(m)
	return m
}

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("add_command_task",
		mcp.WithDescription("Schedule a recurring shell command. Uses a standard 5-field cron expression (minute hour day month weekday)."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Display name for the task"),
		),
		mcp.WithString("schedule",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for weekdays at 09:00"),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Shell command to execute"),
		),
	), s.handleAddCommandTask)

	m.AddTool(mcp.NewTool("add_api_task",
		mcp.WithDescription("Schedule a recurring HTTP call."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Display name for the task"),
		),
		mcp.WithString("schedule",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithString("api_url",
			mcp.Required(),
			mcp.Description("URL to call"),
		),
		mcp.WithString("api_method",
			mcp.Description("HTTP method, defaults to GET"),
			mcp.Enum("GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"),
		),
		mcp.WithObject("api_headers",
			mcp.Description("Request headers as a string-to-string object"),
		),
		mcp.WithObject("api_body",
			mcp.Description("JSON body, sent only for POST/PUT/PATCH"),
		),
	), s.handleAddAPITask)

	m.AddTool(mcp.NewTool("add_ai_task",
		mcp.WithDescription("Schedule a recurring AI prompt completion against the configured provider."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Display name for the task"),
		),
		mcp.WithString("schedule",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("Prompt to send to the AI provider"),
		),
	), s.handleAddAITask)

	m.AddTool(mcp.NewTool("add_reminder_task",
		mcp.WithDescription("Schedule a recurring desktop reminder notification."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Display name for the task"),
		),
		mcp.WithString("schedule",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithString("title",
			mcp.Description("Notification title, defaults to the task name"),
		),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Notification message"),
		),
	), s.handleAddReminderTask)

	m.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List all scheduled tasks."),
		mcp.WithBoolean("enabled",
			mcp.Description("Filter on the enabled flag"),
		),
	), s.handleListTasks)

	m.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get details for one task."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	m.AddTool(mcp.NewTool("update_task",
		mcp.WithDescription("Update a task's name, schedule or type-specific payload. The task type itself cannot change."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("name",
			mcp.Description("New display name"),
		),
		mcp.WithString("schedule",
			mcp.Description("New cron expression"),
		),
		mcp.WithString("command",
			mcp.Description("New shell command (shell_command tasks)"),
		),
		mcp.WithString("api_url",
			mcp.Description("New URL (api_call tasks)"),
		),
		mcp.WithString("api_method",
			mcp.Description("New HTTP method (api_call tasks)"),
		),
		mcp.WithObject("api_headers",
			mcp.Description("New request headers (api_call tasks)"),
		),
		mcp.WithObject("api_body",
			mcp.Description("New JSON body (api_call tasks)"),
		),
		mcp.WithString("prompt",
			mcp.Description("New prompt (ai tasks)"),
		),
		mcp.WithString("reminder_title",
			mcp.Description("New notification title (reminder tasks)"),
		),
		mcp.WithString("reminder_message",
			mcp.Description("New notification message (reminder tasks)"),
		),
	), s.handleUpdateTask)

	m.AddTool(mcp.NewTool("remove_task",
		mcp.WithDescription("Delete a task and its execution history."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRemoveTask)

	m.AddTool(mcp.NewTool("enable_task",
		mcp.WithDescription("Enable a task so the scheduler triggers it again."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleEnableTask)

	m.AddTool(mcp.NewTool("disable_task",
		mcp.WithDescription("Disable a task. Its execution history is kept."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDisableTask)

	m.AddTool(mcp.NewTool("run_task_now",
		mcp.WithDescription("Trigger a task immediately, bypassing its schedule. Does not change the next scheduled run."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTaskNow)

	m.AddTool(mcp.NewTool("get_task_executions",
		mcp.WithDescription("Get a task's execution history, most recent first."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of records to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleGetTaskExecutions)

	m.AddTool(mcp.NewTool("get_server_info",
		mcp.WithDescription("Get scheduler status and version information."),
	), s.handleGetServerInfo)

	s.logger.Info("MCP tools registered", "count", 13)
}

func (s *Server) handleAddCommandTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := &core.Task{
		Name:     strings.TrimSpace(mcp.ParseString(request, "name", "")),
		Type:     core.TaskTypeShellCommand,
		Schedule: strings.TrimSpace(mcp.ParseString(request, "schedule", "")),
		Enabled:  true,
		Command:  mcp.ParseString(request, "command", ""),
	}
	return s.createTask(ctx, task)
}

func (s *Server) handleAddAPITask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := &core.Task{
		Name:       strings.TrimSpace(mcp.ParseString(request, "name", "")),
		Type:       core.TaskTypeAPICall,
		Schedule:   strings.TrimSpace(mcp.ParseString(request, "schedule", "")),
		Enabled:    true,
		APIURL:     strings.TrimSpace(mcp.ParseString(request, "api_url", "")),
		APIMethod:  strings.ToUpper(mcp.ParseString(request, "api_method", "")),
		APIHeaders: stringMap(mcp.ParseStringMap(request, "api_headers", nil)),
		APIBody:    mcp.ParseStringMap(request, "api_body", nil),
	}
	return s.createTask(ctx, task)
}

func (s *Server) handleAddAITask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := &core.Task{
		Name:     strings.TrimSpace(mcp.ParseString(request, "name", "")),
		Type:     core.TaskTypeAI,
		Schedule: strings.TrimSpace(mcp.ParseString(request, "schedule", "")),
		Enabled:  true,
		Prompt:   mcp.ParseString(request, "prompt", ""),
	}
	return s.createTask(ctx, task)
}

func (s *Server) handleAddReminderTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := &core.Task{
		Name:            strings.TrimSpace(mcp.ParseString(request, "name", "")),
		Type:            core.TaskTypeReminder,
		Schedule:        strings.TrimSpace(mcp.ParseString(request, "schedule", "")),
		Enabled:         true,
		ReminderTitle:   strings.TrimSpace(mcp.ParseString(request, "title", "")),
		ReminderMessage: mcp.ParseString(request, "message", ""),
	}
	return s.createTask(ctx, task)
}

func (s *Server) createTask(ctx context.Context, task *core.Task) (*mcp.CallToolResult, error) {
	created, err := s.store.CreateTask(ctx, task)
	if err != nil {
		return s.toolError("create task", err), nil
	}
	s.logger.Info("task created", "task_id", created.ID, "type", created.Type, "schedule", created.Schedule)
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nType: %s\nNext run: %s",
		created.ID, created.Type, formatTime(created.NextRunAt))), nil
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter *bool
	if args := request.GetArguments(); args != nil {
		if _, ok := args["enabled"]; ok {
			enabled := mcp.ParseBoolean(request, "enabled", true)
			filter = &enabled
		}
	}
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return s.toolError("list tasks", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s (%s)\n", t.ID, state)
		fmt.Fprintf(&b, "  Name: %s\n", t.Name)
		fmt.Fprintf(&b, "  Type: %s\n", t.Type)
		fmt.Fprintf(&b, "  Schedule: %s\n", t.Schedule)
		fmt.Fprintf(&b, "  Next run: %s\n\n", formatTime(t.NextRunAt))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return s.toolError("get task", err), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Name: %s\n", task.Name)
	fmt.Fprintf(&b, "Type: %s\n", task.Type)
	fmt.Fprintf(&b, "Schedule: %s\n", task.Schedule)
	fmt.Fprintf(&b, "Enabled: %t\n", task.Enabled)
	switch task.Type {
	case core.TaskTypeShellCommand:
		fmt.Fprintf(&b, "Command: %s\n", task.Command)
	case core.TaskTypeAPICall:
		method := task.APIMethod
		if method == "" {
			method = "GET"
		}
		fmt.Fprintf(&b, "API: %s %s\n", method, task.APIURL)
	case core.TaskTypeAI:
		fmt.Fprintf(&b, "Prompt: %s\n", truncateString(task.Prompt, 120))
	case core.TaskTypeReminder:
		fmt.Fprintf(&b, "Reminder: %s\n", truncateString(task.ReminderMessage, 120))
	}
	fmt.Fprintf(&b, "Last run: %s\n", formatTime(task.LastRunAt))
	fmt.Fprintf(&b, "Next run: %s\n", formatTime(task.NextRunAt))
	fmt.Fprintf(&b, "Created: %s\n", task.CreatedAt.UTC().Format(time.RFC3339))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	args := request.GetArguments()

	patch := core.TaskPatch{}
	strField := func(key string) *string {
		if _, ok := args[key]; !ok {
			return nil
		}
		v := mcp.ParseString(request, key, "")
		return &v
	}
	patch.Name = strField("name")
	patch.Schedule = strField("schedule")
	patch.Command = strField("command")
	patch.APIURL = strField("api_url")
	patch.APIMethod = strField("api_method")
	patch.Prompt = strField("prompt")
	patch.ReminderTitle = strField("reminder_title")
	patch.ReminderMessage = strField("reminder_message")
	if _, ok := args["api_headers"]; ok {
		patch.APIHeaders = stringMap(mcp.ParseStringMap(request, "api_headers", nil))
	}
	if _, ok := args["api_body"]; ok {
		patch.APIBody = mcp.ParseStringMap(request, "api_body", nil)
	}

	task, err := s.store.UpdateTask(ctx, taskID, patch)
	if err != nil {
		return s.toolError("update task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task updated: %s\nNext run: %s", task.ID, formatTime(task.NextRunAt))), nil
}

func (s *Server) handleRemoveTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return s.toolError("delete task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *Server) handleEnableTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.SetEnabled(ctx, taskID, true)
	if err != nil {
		return s.toolError("enable task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task enabled: %s\nNext run: %s", task.ID, formatTime(task.NextRunAt))), nil
}

func (s *Server) handleDisableTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.SetEnabled(ctx, taskID, false)
	if err != nil {
		return s.toolError("disable task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task disabled: %s", task.ID)), nil
}

// handleRunTaskNow starts an immediate execution. Triggering succeeds
// independently of whether the task's action later succeeds; action failures
// are visible only through the execution history.
func (s *Server) handleRunTaskNow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return s.toolError("get task", err), nil
	}
	execution, err := s.engine.RunTaskNow(ctx, task)
	if err != nil {
		return s.toolError("run task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Execution started\nTask ID: %s\nExecution ID: %s", task.ID, execution.ID)), nil
}

func (s *Server) handleGetTaskExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	executions, err := s.store.ExecutionHistory(ctx, taskID, limit)
	if err != nil {
		return s.toolError("get executions", err), nil
	}
	if len(executions) == 0 {
		return mcp.NewToolResultText("No executions recorded for this task"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d execution(s):\n\n", len(executions))
	for _, e := range executions {
		fmt.Fprintf(&b, "[%s] %s\n", e.Status, e.ID)
		fmt.Fprintf(&b, "    Started: %s\n", e.StartTime.UTC().Format(time.RFC3339))
		if e.EndTime != nil {
			fmt.Fprintf(&b, "    Ended: %s\n", e.EndTime.UTC().Format(time.RFC3339))
		}
		if e.Output != nil {
			fmt.Fprintf(&b, "    Output: %s\n", truncateString(*e.Output, 200))
		}
		if e.Error != nil {
			fmt.Fprintf(&b, "    Error: %s\n", truncateString(*e.Error, 200))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleGetServerInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.store.ListTasks(ctx, nil)
	if err != nil {
		return s.toolError("list tasks", err), nil
	}
	enabled := 0
	for _, t := range tasks {
		if t.Enabled {
			enabled++
		}
	}
	state := "stopped"
	if s.engine.Running() {
		state = "running"
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s %s\nScheduler: %s\nTasks: %d (%d enabled)",
		s.name, s.version, state, len(tasks), enabled)), nil
}

// toolError maps internal errors to tool results. Validation and not-found
// problems carry their message; anything else is reported generically and
// logged, so storage details never leak into protocol output.
func (s *Server) toolError(op string, err error) *mcp.CallToolResult {
	switch {
	case isValidation(err):
		return mcp.NewToolResultError(err.Error())
	case errors.Is(err, store.ErrTaskNotFound) || errors.Is(err, store.ErrExecutionNotFound):
		return mcp.NewToolResultError(err.Error())
	case errors.Is(err, core.ErrTaskAlreadyRunning):
		return mcp.NewToolResultError(err.Error())
	default:
		s.logger.Error(op, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: internal error", op))
	}
}

func isValidation(err error) bool {
	var ve *core.ValidationError
	var se *core.InvalidScheduleError
	return errors.As(err, &ve) || errors.As(err, &se)
}

func stringMap(in map[string]any) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// truncateString shortens s to at most maxLen runes, cutting on a rune
// boundary so multi-byte output is never split mid-character.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
