package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobdispatch/internal/domain"
	"jobdispatch/internal/queue"
	"jobdispatch/internal/registry"
)

const namespace = "jobdispatch"

var (
	jobStatuses    = []domain.JobStatus{domain.JobQueued, domain.JobInProgress, domain.JobRetry, domain.JobFailed, domain.JobCompleted}
	workerStatuses = []domain.WorkerStatus{domain.WorkerActive, domain.WorkerStale}
)

// stateCollector reads job and worker counts from the store and registry on every scrape.
type stateCollector struct {
	store    queue.JobStore
	registry registry.Registry
	timeout  time.Duration

	jobs    *prometheus.Desc
	workers *prometheus.Desc
}

func newStateCollector(store queue.JobStore, reg registry.Registry) *stateCollector {
	return &stateCollector{
		store:    store,
		registry: reg,
		timeout:  5 * time.Second,
		jobs: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs"),
			"Number of jobs in the store by status.", []string{"status"}, nil),
		workers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "workers"),
			"Number of registered workers by liveness status.", []string{"status"}, nil),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.workers
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	jobs, err := c.store.FindAll(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.jobs, err)
	} else {
		byStatus := make(map[domain.JobStatus]int, len(jobStatuses))
		for _, j := range jobs {
			byStatus[j.Status]++
		}
		for _, st := range jobStatuses {
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(byStatus[st]), string(st))
		}
	}

	byStatus := make(map[domain.WorkerStatus]int, len(workerStatuses))
	for _, w := range c.registry.ListWorkers() {
		byStatus[w.Status]++
	}
	for _, st := range workerStatuses {
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(byStatus[st]), string(st))
	}
}

func newMetricsRegistry(store queue.JobStore, reg registry.Registry, stats StatsSource) *prometheus.Registry {
	up := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "up", Help: "Dispatcher is serving."})
	up.Set(1)

	r := prometheus.NewRegistry()
	r.MustRegister(up, newStateCollector(store, reg))
	if stats == nil {
		return r
	}

	counter := func(name, help string, read func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(read()) })
	}
	r.MustRegister(
		counter("cycles_total", "Dispatch cycles run.", func() int64 { return stats.Stats().Cycles }),
		counter("dispatched_total", "Jobs accepted by a worker.", func() int64 { return stats.Stats().Dispatched }),
		counter("retried_total", "Jobs moved to RETRY.", func() int64 { return stats.Stats().Retried }),
		counter("failed_total", "Jobs moved to FAILED.", func() int64 { return stats.Stats().Failed }),
		counter("unmatched_total", "Job evaluations with no eligible worker.", func() int64 { return stats.Stats().Unmatched }),
	)
	return r
}

func metricsHandler(r *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
