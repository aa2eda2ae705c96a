package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/termbridge/task-service/internal/model"
	"github.com/termbridge/task-service/internal/storage"
)

// CreateSchedulerRequest is the body for POST /api/v1/schedulers.
type CreateSchedulerRequest struct {
	Name      string               `json:"name"`
	Kind      model.TaskKind       `json:"kind"`
	Schedule  model.ScheduleConfig `json:"schedule"`
	Enabled   *bool                `json:"enabled,omitempty"`
	SourceID  *string              `json:"source_id,omitempty"`
	CreatedBy string               `json:"created_by,omitempty"`
}

func (s *Server) handleCreateScheduler(w http.ResponseWriter, r *http.Request) {
	var req CreateSchedulerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", storage.ErrValidation))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sched := &model.TaskScheduler{
		Name:      req.Name,
		Kind:      req.Kind,
		Schedule:  req.Schedule,
		Enabled:   enabled,
		SourceID:  req.SourceID,
		CreatedBy: req.CreatedBy,
	}
	if err := s.schedulers.Create(r.Context(), sched); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedulers(w http.ResponseWriter, r *http.Request) {
	filters := model.SchedulerFilters{
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	switch r.URL.Query().Get("enabled") {
	case "true":
		t := true
		filters.Enabled = &t
	case "false":
		f := false
		filters.Enabled = &f
	}

	items, total, err := s.schedulers.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, offset := model.ClampPage(filters.Limit, filters.Offset)
	writeJSON(w, http.StatusOK, listEnvelope{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGetScheduler(w http.ResponseWriter, r *http.Request) {
	sched, err := s.schedulers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateScheduler(w http.ResponseWriter, r *http.Request) {
	var update model.SchedulerUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", storage.ErrValidation))
		return
	}

	sched, err := s.schedulers.Update(r.Context(), chi.URLParam(r, "id"), update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleToggleScheduler(w http.ResponseWriter, r *http.Request) {
	sched, err := s.schedulers.Toggle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteScheduler(w http.ResponseWriter, r *http.Request) {
	if err := s.schedulers.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
