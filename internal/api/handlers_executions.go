package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mcpscheduler/internal/core"
)

type executionResponse struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	StartTime string  `json:"start_time"`
	EndTime   *string `json:"end_time,omitempty"`
	Output    *string `json:"output,omitempty"`
	Error     *string `json:"error,omitempty"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.writeStoreError(w, "get task for executions", err)
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	executions, err := s.store.ExecutionHistory(r.Context(), taskID, limit)
	if err != nil {
		s.writeStoreError(w, "list executions", err)
		return
	}
	resp := make([]executionResponse, 0, len(executions))
	for _, e := range executions {
		resp = append(resp, executionToResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	execution, err := s.store.GetExecution(r.Context(), executionID)
	if err != nil {
		s.writeStoreError(w, "get execution", err)
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(execution))
}

func executionToResponse(e *core.TaskExecution) executionResponse {
	resp := executionResponse{
		ID:        e.ID,
		TaskID:    e.TaskID,
		Status:    string(e.Status),
		StartTime: e.StartTime.UTC().Format(time.RFC3339),
		Output:    e.Output,
		Error:     e.Error,
	}
	if e.EndTime != nil {
		formatted := e.EndTime.UTC().Format(time.RFC3339)
		resp.EndTime = &formatted
	}
	return resp
}
