package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"jobdispatch/internal/domain"
)

var ErrUnknownWorker = errors.New("unknown worker")

// Registry tracks remote workers and their liveness. All methods are safe for concurrent use.
type Registry interface {
	// RegisterWorker inserts or replaces the worker and marks it ACTIVE as of now.
	RegisterWorker(id, host string, capabilities ...string)
	// FindAvailableWorker returns an ACTIVE worker able to run job, if any.
	FindAvailableWorker(job domain.Job) (domain.Worker, bool)
	// UpdateHeartbeat refreshes the worker's heartbeat and reactivates it.
	UpdateHeartbeat(id string) error
	// DetectStaleWorkers marks ACTIVE workers silent for longer than timeout as STALE and
	// returns the ids changed by this call.
	DetectStaleWorkers(timeout time.Duration) []string
	GetWorker(id string) (domain.Worker, bool)
	ListWorkers() []domain.Worker
}

// MemoryRegistry keeps workers in a map guarded by a single mutex.
//
// When several workers match a job, FindAvailableWorker rotates through them round-robin
// per job type, in worker id order.
type MemoryRegistry struct {
	mu      sync.Mutex
	workers map[string]*domain.Worker
	cursors map[string]int
	clock   clock.Clock
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry(clk clock.Clock) *MemoryRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryRegistry{
		workers: make(map[string]*domain.Worker),
		cursors: make(map[string]int),
		clock:   clk,
	}
}

func (r *MemoryRegistry) RegisterWorker(id, host string, capabilities ...string) {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[id] = &domain.Worker{
		ID:            id,
		Host:          host,
		Capabilities:  caps,
		LastHeartbeat: r.clock.Now(),
		Status:        domain.WorkerActive,
	}
	log.Info().Str("worker_id", id).Str("host", host).Strs("capabilities", caps).Msg("worker registered")
}

func (r *MemoryRegistry) FindAvailableWorker(job domain.Job) (domain.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*domain.Worker
	for _, w := range r.workers {
		if w.Status == domain.WorkerActive && w.Accepts(job) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return domain.Worker{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	next := r.cursors[job.Type]
	r.cursors[job.Type] = next + 1
	return candidates[next%len(candidates)].Clone(), true
}

func (r *MemoryRegistry) UpdateHeartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		log.Warn().Str("worker_id", id).Msg("heartbeat from unknown worker")
		return ErrUnknownWorker
	}
	w.LastHeartbeat = r.clock.Now()
	if w.Status != domain.WorkerActive {
		w.Status = domain.WorkerActive
		log.Info().Str("worker_id", id).Msg("worker marked ACTIVE via heartbeat")
	}
	return nil
}

func (r *MemoryRegistry) DetectStaleWorkers(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var stale []string
	for _, w := range r.workers {
		if w.Status == domain.WorkerStale || now.Sub(w.LastHeartbeat) <= timeout {
			continue
		}
		w.Status = domain.WorkerStale
		stale = append(stale, w.ID)
		log.Warn().Str("worker_id", w.ID).Time("last_heartbeat", w.LastHeartbeat).Msg("worker marked STALE")
	}
	sort.Strings(stale)
	return stale
}

func (r *MemoryRegistry) GetWorker(id string) (domain.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return domain.Worker{}, false
	}
	return w.Clone(), true
}

func (r *MemoryRegistry) ListWorkers() []domain.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
