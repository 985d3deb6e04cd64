package queue

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"jobdispatch/internal/domain"
)

type memoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]domain.Job
	clock clock.Clock
}

func NewMemoryStore(clk clock.Clock) JobStore {
	if clk == nil {
		clk = clock.New()
	}
	return &memoryStore{jobs: make(map[string]domain.Job), clock: clk}
}

func (m *memoryStore) Save(_ context.Context, j domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *memoryStore) UpdateStatus(_ context.Context, id string, status domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		log.Debug().Str("job_id", id).Msg("status update for unknown job ignored")
		return nil
	}
	if j.Status == domain.JobFailed && status != domain.JobFailed {
		log.Warn().Str("job_id", id).Str("status", string(status)).Msg("refusing to move failed job")
		return nil
	}
	j.Status = status
	j.UpdatedAt = m.clock.Now()
	m.jobs[id] = j
	return nil
}

func (m *memoryStore) FindByID(_ context.Context, id string) (domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *memoryStore) FindAll(_ context.Context) ([]domain.Job, error) {
	return m.snapshot(func(domain.Job) bool { return true }), nil
}

func (m *memoryStore) PendingJobs(_ context.Context) ([]domain.Job, error) {
	return m.snapshot(func(j domain.Job) bool { return j.Status.Pending() }), nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) snapshot(keep func(domain.Job) bool) []domain.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	return out
}
