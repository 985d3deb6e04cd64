package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"jobdispatch/internal/registry"
)

// Scheduler is the periodic executor the monitor runs on.
type Scheduler interface {
	ScheduleAtFixedRate(name string, initialDelay, interval time.Duration, fn func(ctx context.Context)) cron.EntryID
	Cancel(id cron.EntryID)
}

type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// Monitor periodically marks workers that stopped heartbeating as STALE.
type Monitor struct {
	registry registry.Registry
	exec     Scheduler
	cfg      Config

	mu      sync.Mutex
	entry   cron.EntryID
	running bool
}

func New(reg registry.Registry, exec Scheduler, cfg Config) *Monitor {
	return &Monitor{registry: reg, exec: exec, cfg: cfg}
}

// Start schedules the sweep; the first one runs after one sweep interval.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.entry = m.exec.ScheduleAtFixedRate("liveness-sweep", m.cfg.SweepInterval, m.cfg.SweepInterval, func(context.Context) {
		m.RunOnce()
	})
	m.running = true
	log.Info().Dur("interval", m.cfg.SweepInterval).Dur("timeout", m.cfg.HeartbeatTimeout).Msg("liveness monitor started")
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.exec.Cancel(m.entry)
	m.running = false
	log.Info().Msg("liveness monitor stopped")
}

// RunOnce performs one sweep and returns the workers it marked STALE.
func (m *Monitor) RunOnce() (stale []string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("liveness sweep failed")
			stale = nil
		}
	}()
	stale = m.registry.DetectStaleWorkers(m.cfg.HeartbeatTimeout)
	if len(stale) > 0 {
		log.Info().Strs("workers", stale).Msg("liveness sweep marked workers stale")
	}
	return stale
}
