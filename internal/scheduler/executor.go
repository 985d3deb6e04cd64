package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// fixedRate fires after initialDelay and then every interval, measured from each firing.
type fixedRate struct {
	initialDelay time.Duration
	interval     time.Duration
	fired        atomic.Bool
}

func (s *fixedRate) Next(t time.Time) time.Time {
	if s.fired.CompareAndSwap(false, true) {
		return t.Add(s.initialDelay)
	}
	return t.Add(s.interval)
}

// cronLogger routes cron's internal logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// Executor runs named periodic tasks. A task never overlaps with itself, and a panicking
// run is logged without cancelling later runs.
type Executor struct {
	cron         *cron.Cron
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownWait time.Duration

	mu       sync.Mutex
	shutdown bool
}

// NewExecutor returns a started executor. shutdownWait bounds how long Shutdown lets in-flight
// runs finish before cancelling their context.
func NewExecutor(shutdownWait time.Duration) *Executor {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Executor{cron: c, ctx: ctx, cancel: cancel, shutdownWait: shutdownWait}
}

// ScheduleAtFixedRate registers fn to run after initialDelay and then every interval.
// A zero initialDelay runs fn right away.
func (e *Executor) ScheduleAtFixedRate(name string, initialDelay, interval time.Duration, fn func(ctx context.Context)) cron.EntryID {
	id := e.cron.Schedule(&fixedRate{initialDelay: initialDelay, interval: interval}, cron.FuncJob(func() {
		fn(e.ctx)
	}))
	log.Info().Str("task", name).Int("entry_id", int(id)).Dur("initial_delay", initialDelay).Dur("interval", interval).Msg("periodic task scheduled")
	return id
}

// Cancel stops future runs of the entry. A run already in progress completes.
func (e *Executor) Cancel(id cron.EntryID) {
	e.cron.Remove(id)
}

// Shutdown stops scheduling, waits up to the shutdown budget for running tasks, then cancels
// their context and waits for them to return. It reports whether the tasks finished in time.
func (e *Executor) Shutdown() bool {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return true
	}
	e.shutdown = true
	e.mu.Unlock()

	done := e.cron.Stop()
	timer := time.NewTimer(e.shutdownWait)
	defer timer.Stop()

	select {
	case <-done.Done():
		e.cancel()
		log.Info().Msg("executor stopped")
		return true
	case <-timer.C:
	}

	log.Warn().Dur("wait", e.shutdownWait).Msg("periodic tasks still running, cancelling")
	e.cancel()
	<-done.Done()
	return false
}
