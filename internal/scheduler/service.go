package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"jobdispatch/internal/dispatch"
	"jobdispatch/internal/domain"
	"jobdispatch/internal/queue"
	"jobdispatch/internal/registry"
)

type Config struct {
	PollInterval time.Duration
	MaxRetries   int
	// PoolSize bounds how many jobs of one cycle are dispatched concurrently. 1 keeps them sequential.
	PoolSize int
}

// Stats are cumulative since the service was created.
type Stats struct {
	Cycles     int64 `json:"cycles"`
	Dispatched int64 `json:"dispatched"`
	Retried    int64 `json:"retried"`
	Failed     int64 `json:"failed"`
	Unmatched  int64 `json:"unmatched"`
}

// Service is the scheduling loop: every poll interval it pushes pending jobs to capable workers
// and records the outcome in the job store.
type Service struct {
	store    queue.JobStore
	registry registry.Registry
	client   dispatch.Dispatcher
	exec     *Executor
	cfg      Config
	clock    clock.Clock

	mu      sync.Mutex
	entry   cron.EntryID
	running bool

	cycles, dispatched, retried, failed, unmatched atomic.Int64
}

func NewService(store queue.JobStore, reg registry.Registry, client dispatch.Dispatcher, exec *Executor, cfg Config, clk clock.Clock) *Service {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{store: store, registry: reg, client: client, exec: exec, cfg: cfg, clock: clk}
}

// Start schedules the dispatch cycle to run now and then every poll interval. Calling it again
// while running does nothing.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		log.Debug().Msg("scheduler already running")
		return
	}
	s.entry = s.exec.ScheduleAtFixedRate("dispatch-cycle", 0, s.cfg.PollInterval, s.PollAndDispatch)
	s.running = true
	log.Info().Dur("interval", s.cfg.PollInterval).Int("max_retries", s.cfg.MaxRetries).Msg("scheduler started")
}

// Stop cancels future cycles. A cycle already in flight runs to completion.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.exec.Cancel(s.entry)
	s.running = false
	log.Info().Msg("scheduler stopped")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) Stats() Stats {
	return Stats{
		Cycles:     s.cycles.Load(),
		Dispatched: s.dispatched.Load(),
		Retried:    s.retried.Load(),
		Failed:     s.failed.Load(),
		Unmatched:  s.unmatched.Load(),
	}
}

// PollAndDispatch runs a single dispatch cycle over a snapshot of the pending jobs.
func (s *Service) PollAndDispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("dispatch cycle aborted")
		}
	}()
	s.cycles.Inc()

	jobs, err := s.store.PendingJobs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to get pending jobs")
		return
	}
	if len(jobs) == 0 {
		return
	}
	log.Debug().Int("pending", len(jobs)).Msg("dispatch cycle")

	if s.cfg.PoolSize == 1 {
		for i, job := range jobs {
			if s.interrupted(ctx, len(jobs)-i) {
				return
			}
			s.process(ctx, job)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.PoolSize)
	for i, job := range jobs {
		if s.interrupted(ctx, len(jobs)-i) {
			break
		}
		job := job // per-iteration copy (go.mod targets go1.21 loop semantics)
		g.Go(func() error {
			s.process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

// interrupted reports whether the cycle was cancelled; the remaining jobs keep their state
// for the next cycle.
func (s *Service) interrupted(ctx context.Context, remaining int) bool {
	if ctx.Err() == nil {
		return false
	}
	log.Warn().Err(ctx.Err()).Int("remaining", remaining).Msg("dispatch cycle interrupted")
	return true
}

func (s *Service) process(ctx context.Context, job domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job_id", job.ID).Msg("failed to record job outcome")
		}
	}()

	matched, delivered, err := s.tryDispatch(ctx, job)
	switch {
	case err != nil:
		log.Error().Err(err).Str("job_id", job.ID).Msg("dispatch fault")
	case !matched:
		s.unmatched.Inc()
		log.Debug().Str("job_id", job.ID).Str("type", job.Type).Msg("no available worker")
		return
	case delivered:
		// the worker owns the job now, record that even if the cycle is being cancelled
		if err := s.store.UpdateStatus(context.WithoutCancel(ctx), job.ID, domain.JobInProgress); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job in progress")
			return
		}
		s.dispatched.Inc()
		log.Info().Str("job_id", job.ID).Msg("job dispatched")
		return
	case ctx.Err() != nil:
		// nothing reached the worker, so the attempt is not charged
		log.Warn().Err(ctx.Err()).Str("job_id", job.ID).Msg("dispatch interrupted, job left unchanged")
		return
	}
	s.handleFailure(ctx, job)
}

// tryDispatch converts a panic while matching or dispatching into an error so the job
// follows the retry path.
func (s *Service) tryDispatch(ctx context.Context, job domain.Job) (matched, delivered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched, delivered, err = true, false, fmt.Errorf("panic: %v", r)
		}
	}()
	worker, ok := s.registry.FindAvailableWorker(job)
	if !ok {
		return false, false, nil
	}
	log.Debug().Str("job_id", job.ID).Str("worker_id", worker.ID).Str("host", worker.Host).Msg("dispatching job")
	return true, s.client.Dispatch(ctx, job, worker.Host), nil
}

func (s *Service) handleFailure(ctx context.Context, job domain.Job) {
	if job.RetryCount >= s.cfg.MaxRetries {
		if err := s.store.UpdateStatus(ctx, job.ID, domain.JobFailed); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job failed")
			return
		}
		s.failed.Inc()
		log.Warn().Str("job_id", job.ID).Int("retry_count", job.RetryCount).Msg("job failed after max retries")
		return
	}

	retry := job.Clone()
	retry.RetryCount++
	retry.Status = domain.JobRetry
	retry.UpdatedAt = s.clock.Now()
	if err := s.store.Save(ctx, retry); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to save job retry")
		return
	}
	s.retried.Inc()
	log.Info().Str("job_id", job.ID).Int("retry_count", retry.RetryCount).Msg("job scheduled for retry")
}
