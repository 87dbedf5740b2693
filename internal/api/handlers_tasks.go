package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mcpscheduler/internal/core"
	"mcpscheduler/internal/store"
)

type createTaskRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Schedule string `json:"schedule"`
	Enabled  *bool  `json:"enabled"`

	Command string `json:"command,omitempty"`

	APIURL     string            `json:"api_url,omitempty"`
	APIMethod  string            `json:"api_method,omitempty"`
	APIHeaders map[string]string `json:"api_headers,omitempty"`
	APIBody    map[string]any    `json:"api_body,omitempty"`

	Prompt string `json:"prompt,omitempty"`

	ReminderTitle   string `json:"reminder_title,omitempty"`
	ReminderMessage string `json:"reminder_message,omitempty"`
}

type updateTaskRequest struct {
	Name     *string `json:"name"`
	Schedule *string `json:"schedule"`
	Enabled  *bool   `json:"enabled"`

	Command *string `json:"command"`

	APIURL     *string           `json:"api_url"`
	APIMethod  *string           `json:"api_method"`
	APIHeaders map[string]string `json:"api_headers"`
	APIBody    map[string]any    `json:"api_body"`

	Prompt *string `json:"prompt"`

	ReminderTitle   *string `json:"reminder_title"`
	ReminderMessage *string `json:"reminder_message"`
}

type taskResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`

	Command string `json:"command,omitempty"`

	APIURL     string            `json:"api_url,omitempty"`
	APIMethod  string            `json:"api_method,omitempty"`
	APIHeaders map[string]string `json:"api_headers,omitempty"`
	APIBody    map[string]any    `json:"api_body,omitempty"`

	Prompt string `json:"prompt,omitempty"`

	ReminderTitle   string `json:"reminder_title,omitempty"`
	ReminderMessage string `json:"reminder_message,omitempty"`

	LastRunAt *string `json:"last_run_at,omitempty"`
	NextRunAt *string `json:"next_run_at,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	task := &core.Task{
		Name:            strings.TrimSpace(req.Name),
		Type:            core.TaskType(req.Type),
		Schedule:        strings.TrimSpace(req.Schedule),
		Enabled:         enabled,
		Command:         req.Command,
		APIURL:          strings.TrimSpace(req.APIURL),
		APIMethod:       strings.ToUpper(req.APIMethod),
		APIHeaders:      req.APIHeaders,
		APIBody:         req.APIBody,
		Prompt:          req.Prompt,
		ReminderTitle:   strings.TrimSpace(req.ReminderTitle),
		ReminderMessage: req.ReminderMessage,
	}

	created, err := s.store.CreateTask(r.Context(), task)
	if err != nil {
		s.writeStoreError(w, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(created))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter *bool
	if raw := strings.TrimSpace(r.URL.Query().Get("enabled")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "enabled must be true or false")
			return
		}
		filter = &parsed
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, "list tasks", err)
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	patch := core.TaskPatch{
		Name:            req.Name,
		Schedule:        req.Schedule,
		Enabled:         req.Enabled,
		Command:         req.Command,
		APIURL:          req.APIURL,
		APIMethod:       req.APIMethod,
		APIHeaders:      req.APIHeaders,
		APIBody:         req.APIBody,
		Prompt:          req.Prompt,
		ReminderTitle:   req.ReminderTitle,
		ReminderMessage: req.ReminderMessage,
	}
	task, err := s.store.UpdateTask(r.Context(), taskID, patch)
	if err != nil {
		s.writeStoreError(w, "update task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		s.writeStoreError(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableTask(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisableTask(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.SetEnabled(r.Context(), taskID, enabled)
	if err != nil {
		s.writeStoreError(w, "set enabled", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

// handleRunTask triggers an immediate execution. The 202 means the trigger
// was accepted; whether the action itself succeeds is visible only in the
// execution history.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, "get task for run", err)
		return
	}
	execution, err := s.engine.RunTaskNow(r.Context(), task)
	if err != nil {
		if errors.Is(err, core.ErrTaskAlreadyRunning) {
			writeError(w, http.StatusConflict, "conflict", "task is already running")
			return
		}
		s.writeStoreError(w, "run task now", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execution.ID})
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	var ve *core.ValidationError
	var se *core.InvalidScheduleError
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, store.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
	case errors.As(err, &ve) || errors.As(err, &se):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func taskToResponse(task *core.Task) taskResponse {
	var last, next *string
	if task.LastRunAt != nil {
		formatted := task.LastRunAt.UTC().Format(time.RFC3339)
		last = &formatted
	}
	if task.NextRunAt != nil {
		formatted := task.NextRunAt.UTC().Format(time.RFC3339)
		next = &formatted
	}
	return taskResponse{
		ID:              task.ID,
		Name:            task.Name,
		Type:            string(task.Type),
		Schedule:        task.Schedule,
		Enabled:         task.Enabled,
		Command:         task.Command,
		APIURL:          task.APIURL,
		APIMethod:       task.APIMethod,
		APIHeaders:      task.APIHeaders,
		APIBody:         task.APIBody,
		Prompt:          task.Prompt,
		ReminderTitle:   task.ReminderTitle,
		ReminderMessage: task.ReminderMessage,
		LastRunAt:       last,
		NextRunAt:       next,
		CreatedAt:       task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
