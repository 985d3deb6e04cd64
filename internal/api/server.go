package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"jobdispatch/internal/domain"
	"jobdispatch/internal/queue"
	"jobdispatch/internal/registry"
	"jobdispatch/internal/scheduler"
)

// StatsSource exposes scheduler counters for /metrics.
type StatsSource interface {
	Stats() scheduler.Stats
}

type Server struct {
	r        *chi.Mux
	store    queue.JobStore
	registry registry.Registry
}

// NewServer builds the dispatcher's HTTP boundary. stats may be nil when the scheduler is disabled.
func NewServer(store queue.JobStore, reg registry.Registry, stats StatsSource) http.Handler {
	return NewServerWithDebug(store, reg, stats, false)
}

func NewServerWithDebug(store queue.JobStore, reg registry.Registry, stats StatsSource, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: store, registry: reg}

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metricsHandler(newMetricsRegistry(store, reg, stats)))

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)

		r.Post("/workers", s.registerWorker)
		r.Get("/workers", s.listWorkers)
		r.Post("/workers/{id}/heartbeat", s.heartbeat)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Name                 string         `json:"name"`
	Type                 string         `json:"type"`
	Payload              map[string]any `json:"payload"`
	RequiredCapabilities []string       `json:"required_capabilities"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		req.Name = req.Type
	}
	job, err := domain.NewJob("job_"+uuid.NewString(), req.Name, req.Type,
		domain.WithPayload(req.Payload),
		domain.WithRequiredCapabilities(req.RequiredCapabilities...))
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.store.Save(r.Context(), job); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	log.Info().Str("job_id", job.ID).Str("type", job.Type).Msg("job submitted")
	writeJSON(w, http.StatusAccepted, submitResp{ID: job.ID})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.FindAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		want := domain.JobStatus(strings.ToUpper(status))
		if !want.Valid() {
			http.Error(w, "unknown status "+status, 400)
			return
		}
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == want {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, 200, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.store.FindByID(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, j)
}

type registerReq struct {
	WorkerID     string   `json:"worker_id"`
	Host         string   `json:"host"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.WorkerID == "" {
		http.Error(w, "worker_id is required", 400)
		return
	}
	if req.Host == "" {
		http.Error(w, "host is required", 400)
		return
	}
	s.registry.RegisterWorker(req.WorkerID, req.Host, req.Capabilities...)
	wk, _ := s.registry.GetWorker(req.WorkerID)
	writeJSON(w, http.StatusCreated, wk)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	// chi routes on the raw path, so ids holding reserved characters arrive escaped
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.registry.UpdateHeartbeat(id); err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			http.Error(w, "unknown worker", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.registry.ListWorkers())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
