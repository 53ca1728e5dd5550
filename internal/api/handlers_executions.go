package api

import (
	"errors"
	"net/http"

	"servermgr/internal/core"
	"servermgr/internal/store"
)

type executionResponse struct {
	ID              int64    `json:"id"`
	TaskID          int64    `json:"task_id"`
	TaskName        string   `json:"task_name"`
	Command         string   `json:"command"`
	Status          string   `json:"status"`
	StartedAt       *string  `json:"started_at,omitempty"`
	CompletedAt     *string  `json:"completed_at,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	Stdout          *string  `json:"stdout,omitempty"`
	Stderr          *string  `json:"stderr,omitempty"`
	ErrorMessage    *string  `json:"error_message,omitempty"`
	PID             *int     `json:"pid,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	execs, err := s.store.ListExecutions(r.Context(), store.ExecutionQuery{
		Limit:     parseIntDefault(q.Get("limit"), store.DefaultExecutionLimit),
		Search:    q.Get("search"),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	})
	if err != nil {
		s.logger.Error("list executions", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, "", executionsToResponse(execs))
}

func (s *Server) handleDeleteExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deleted, err := s.store.DeleteExecutions(r.Context(), q.Get("search"), q.Get("task_name"))
	if err != nil {
		s.logger.Error("delete executions", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete executions")
		return
	}
	writeJSON(w, http.StatusOK, "executions deleted", map[string]int64{"deleted": deleted})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execID, ok := pathID(r, "executionID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	exec, err := s.store.GetExecution(r.Context(), execID)
	if err != nil {
		s.writeExecutionError(w, "get execution", execID, err)
		return
	}
	writeJSON(w, http.StatusOK, "", executionToResponse(exec))
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	execID, ok := pathID(r, "executionID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	exec, err := s.store.GetExecution(r.Context(), execID)
	if err != nil {
		s.writeExecutionError(w, "get execution", execID, err)
		return
	}
	if !s.scheduler.CancelExecution(r.Context(), execID) {
		writeError(w, http.StatusConflict, "execution is not running")
		return
	}
	if refreshed, err := s.store.GetExecution(r.Context(), execID); err == nil {
		exec = refreshed
	}
	writeJSON(w, http.StatusOK, "execution cancelled", executionToResponse(exec))
}

func (s *Server) writeExecutionError(w http.ResponseWriter, op string, execID int64, err error) {
	if errors.Is(err, core.ErrExecutionNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	s.logger.Error(op, "execution_id", execID, "err", err)
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func executionsToResponse(execs []*core.Execution) []executionResponse {
	res := make([]executionResponse, 0, len(execs))
	for _, e := range execs {
		res = append(res, executionToResponse(e))
	}
	return res
}

func executionToResponse(e *core.Execution) executionResponse {
	return executionResponse{
		ID:              e.ID,
		TaskID:          e.TaskID,
		TaskName:        e.TaskName,
		Command:         e.Command,
		Status:          string(e.Status),
		StartedAt:       formatTimePtr(e.StartedAt),
		CompletedAt:     formatTimePtr(e.CompletedAt),
		DurationSeconds: e.DurationSeconds,
		ExitCode:        e.ExitCode,
		Stdout:          e.Stdout,
		Stderr:          e.Stderr,
		ErrorMessage:    e.ErrorMessage,
		PID:             e.PID,
		CreatedAt:       formatTime(e.CreatedAt),
	}
}
