package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/model"
	"github.com/termbridge/task-service/internal/storage"
)

// CreateTaskRequest is the body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Kind      model.TaskKind  `json:"kind"`
	SourceID  *string         `json:"source_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedBy string          `json:"created_by,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", storage.ErrValidation))
		return
	}

	task := &model.Task{
		Kind:      req.Kind,
		SourceID:  req.SourceID,
		Metadata:  req.Metadata,
		CreatedBy: req.CreatedBy,
	}
	if err := s.tasks.Create(r.Context(), task); err != nil {
		s.writeError(w, err)
		return
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(r.Context(), task); err != nil {
			s.logger.Warn("Failed to dispatch task",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := model.TaskFilters{
		SourceID: q.Get("source_id"),
		Limit:    queryInt(r, "limit", 0),
		Offset:   queryInt(r, "offset", 0),
	}
	for _, raw := range q["status"] {
		filters.Status = append(filters.Status, model.TaskStatus(raw))
	}
	for _, raw := range q["kind"] {
		filters.Kind = append(filters.Kind, model.TaskKind(raw))
	}

	items, total, err := s.tasks.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, offset := model.ClampPage(filters.Limit, filters.Offset)
	writeJSON(w, http.StatusOK, listEnvelope{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleUpdateTask applies a partial update. Status changes run through
// the state machine; metadata replaces the stored document.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var update model.TaskUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", storage.ErrValidation))
		return
	}

	id := chi.URLParam(r, "id")

	// A rejected transition must leave the row untouched, so the
	// state machine runs before any metadata write.
	if update.Status != nil {
		errMsg := ""
		if update.Error != nil {
			errMsg = *update.Error
		}
		if _, err := s.tasks.Transition(r.Context(), id, *update.Status, errMsg); err != nil {
			s.writeError(w, err)
			return
		}
	}

	if len(update.Metadata) > 0 {
		if err := s.tasks.UpdateMetadata(r.Context(), id, update.Metadata); err != nil {
			s.writeError(w, err)
			return
		}
	}

	task, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
