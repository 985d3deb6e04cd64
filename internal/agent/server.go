package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"jobdispatch/internal/dispatch"
	"jobdispatch/internal/domain"
)

// Server accepts jobs pushed by the dispatcher and runs them on a bounded pool.
type Server struct {
	r          *chi.Mux
	pool       *Pool
	handlers   map[string]Handler
	jobTimeout time.Duration
}

func NewServer(pool *Pool, handlers map[string]Handler, jobTimeout time.Duration) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{r: r, pool: pool, handlers: handlers, jobTimeout: jobTimeout}
	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Post(dispatch.DefaultEndpointPath, s.executeJob)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.r.ServeHTTP(w, r) }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

type executeResp struct {
	JobID    string `json:"jobId"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) executeJob(w http.ResponseWriter, r *http.Request) {
	var job domain.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeJSON(w, http.StatusBadRequest, executeResp{Error: err.Error()})
		return
	}
	if job.ID == "" || job.Type == "" {
		writeJSON(w, http.StatusBadRequest, executeResp{JobID: job.ID, Error: "jobId and type are required"})
		return
	}
	h, ok := s.handlers[job.Type]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, executeResp{JobID: job.ID, Error: ErrNoHandler.Error()})
		return
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, executeResp{JobID: job.ID, Error: err.Error()})
		return
	}

	err = s.pool.TrySubmit(job.ID, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
		return h.Handle(ctx, payload)
	})
	switch {
	case errors.Is(err, ErrPoolFull), errors.Is(err, ErrPoolClosed):
		log.Warn().Err(err).Str("job_id", job.ID).Msg("rejecting job")
		writeJSON(w, http.StatusServiceUnavailable, executeResp{JobID: job.ID, Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, executeResp{JobID: job.ID, Error: err.Error()})
		return
	}
	log.Info().Str("job_id", job.ID).Str("type", job.Type).Int("retry_count", job.RetryCount).Msg("job accepted")
	writeJSON(w, http.StatusAccepted, executeResp{JobID: job.ID, Accepted: true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
