package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/task"
)

// userIDHeader carries the authenticated caller identity; authentication
// itself happens upstream.
const userIDHeader = "X-User-Id"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeErr(w, http.StatusUnauthorized, "unauthorized", "missing "+userIDHeader+" header")
		return "", false
	}
	return userID, true
}

type createTaskRequest struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
	ParentID   string          `json:"parentTaskId,omitempty"`
}

type createTaskResponse struct {
	Task store.Task `json:"task"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Type == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "type is required")
		return
	}

	var parentID *uuid.UUID
	if req.ParentID != "" {
		id, err := uuid.Parse(req.ParentID)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid parentTaskId")
			return
		}
		parentID = &id
	}

	t, err := s.tasks.Submit(r.Context(), task.SubmitParams{
		UserID:     userID,
		Type:       req.Type,
		ParentID:   parentID,
		Parameters: req.Parameters,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createTaskResponse{Task: *t})
}

type getTaskResponse struct {
	Task store.Task `json:"task"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	t, err := s.tasks.GetStatus(r.Context(), id, userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeErr(w, http.StatusNotFound, "not_found", "task not found")
		case errors.Is(err, task.ErrNotAuthorized):
			writeErr(w, http.StatusForbidden, "forbidden", "task belongs to another user")
		default:
			writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, getTaskResponse{Task: *t})
}

type listTasksResponse struct {
	Items  []task.TaskListing `json:"items"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	qp := r.URL.Query()

	var status *store.TaskStatus
	if v := qp.Get("status"); v != "" {
		sv := store.TaskStatus(v)
		switch sv {
		case store.StatusQueued, store.StatusRunning, store.StatusRetrying,
			store.StatusCompleted, store.StatusFailed, store.StatusDeadLetter, store.StatusCancelled:
			status = &sv
		default:
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid status")
			return
		}
	}

	limit := 50
	if v := qp.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeErr(w, http.StatusBadRequest, "validation_error", "limit must be 1..200")
			return
		}
		limit = n
	}

	offset := 0
	if v := qp.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "validation_error", "offset must be >= 0")
			return
		}
		offset = n
	}

	items, err := s.tasks.List(r.Context(), task.ListParams{
		UserID: userID,
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, listTasksResponse{
		Items:  items,
		Limit:  limit,
		Offset: offset,
	})
}

type cancelTaskResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	cancelled, err := s.tasks.Cancel(r.Context(), id, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, cancelTaskResponse{Cancelled: cancelled})
}
