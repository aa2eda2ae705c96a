package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/model"
	"github.com/termbridge/task-service/internal/storage"
)

// Dispatcher pushes freshly created tasks towards the executors. The
// gateway satisfies it; tests substitute a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *model.Task) error
}

// Server exposes the scheduler and task stores over HTTP.
type Server struct {
	logger     *zap.Logger
	router     chi.Router
	tasks      *storage.TaskStore
	schedulers *storage.SchedulerStore
	dispatcher Dispatcher
}

// New creates a server with all routes registered. dispatcher may be
// nil, in which case created tasks wait for a worker to poll them up.
func New(tasks *storage.TaskStore, schedulers *storage.SchedulerStore, dispatcher Dispatcher, logger *zap.Logger) *Server {
	s := &Server{
		logger:     logger.Named("api"),
		router:     chi.NewRouter(),
		tasks:      tasks,
		schedulers: schedulers,
		dispatcher: dispatcher,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/schedulers", func(r chi.Router) {
			r.Get("/", s.handleListSchedulers)
			r.Post("/", s.handleCreateScheduler)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScheduler)
				r.Patch("/", s.handleUpdateScheduler)
				r.Delete("/", s.handleDeleteScheduler)
				r.Post("/toggle", s.handleToggleScheduler)
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/stats", s.handleTaskStats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
			})
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listEnvelope is the response shape for every list endpoint.
type listEnvelope struct {
	Items  interface{} `json:"items"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// writeError maps storage sentinels onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
