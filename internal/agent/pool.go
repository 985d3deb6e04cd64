package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

var (
	ErrPoolFull   = errors.New("executor pool is full")
	ErrPoolClosed = errors.New("executor pool is closed")
)

type PoolStats struct {
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Pool runs at most size tasks at once and rejects work beyond that instead of queueing it.
type Pool struct {
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	running, completed, failed, rejected atomic.Int64
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{sem: make(chan struct{}, size), ctx: ctx, cancel: cancel}
}

// TrySubmit starts fn in the background if a slot is free.
func (p *Pool) TrySubmit(name string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.sem <- struct{}{}:
	default:
		p.rejected.Inc()
		return ErrPoolFull
	}

	p.wg.Add(1)
	p.running.Inc()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.failed.Inc()
				log.Error().Interface("panic", r).Str("task", name).Msg("task panicked")
			}
			p.running.Dec()
			<-p.sem
			p.wg.Done()
		}()
		if err := fn(p.ctx); err != nil {
			p.failed.Inc()
			log.Error().Err(err).Str("task", name).Msg("task failed")
			return
		}
		p.completed.Inc()
		log.Info().Str("task", name).Msg("task completed")
	}()
	return nil
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Shutdown refuses new work and waits for running tasks. When ctx ends first, running tasks
// are cancelled and Shutdown still waits for them to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
