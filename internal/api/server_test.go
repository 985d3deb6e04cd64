package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobdispatch/internal/domain"
	"jobdispatch/internal/queue"
	"jobdispatch/internal/registry"
	"jobdispatch/internal/scheduler"
)

type fakeStats scheduler.Stats

func (f fakeStats) Stats() scheduler.Stats { return scheduler.Stats(f) }

type env struct {
	store    queue.JobStore
	registry *registry.MemoryRegistry
	handler  http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewMock()
	e := &env{store: queue.NewMemoryStore(clk), registry: registry.NewMemoryRegistry(clk)}
	e.handler = NewServer(e.store, e.registry, fakeStats{Cycles: 7, Dispatched: 3})
	return e
}

func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := newEnv(t).do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestSubmitAndGetJob(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/api/jobs", map[string]any{
		"name":                  "welcome mail",
		"type":                  "email",
		"payload":               map[string]any{"to": "a@example.com"},
		"required_capabilities": []string{"smtp"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp submitResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "job_"), resp.ID)

	stored, err := e.store.FindByID(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, stored.Status)
	assert.Equal(t, []string{"smtp"}, stored.RequiredCapabilities)

	rec = e.do(http.MethodGet, "/api/jobs/"+resp.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, resp.ID, got.ID)
	assert.Equal(t, "welcome mail", got.Name)
	assert.Equal(t, "a@example.com", got.Payload["to"])
}

func TestSubmitJobValidation(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/jobs", "{not json").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/jobs", map[string]any{"name": "x"}).Code)

	all, err := e.store.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGetUnknownJob(t *testing.T) {
	rec := newEnv(t).do(http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsByStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for id, st := range map[string]domain.JobStatus{"a": domain.JobQueued, "b": domain.JobFailed, "c": domain.JobFailed} {
		j, err := domain.NewJob(id, id, "email", domain.WithStatus(st))
		require.NoError(t, err)
		require.NoError(t, e.store.Save(ctx, j))
	}

	var jobs []domain.Job
	rec := e.do(http.MethodGet, "/api/jobs?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 2)

	rec = e.do(http.MethodGet, "/api/jobs", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 3)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/jobs?status=lost", nil).Code)
}

func TestRegisterWorkerAndHeartbeat(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/api/workers", map[string]any{
		"worker_id":    "w1",
		"host":         "w1.local:9000",
		"capabilities": []string{"email"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var w domain.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Equal(t, "w1", w.ID)
	assert.Equal(t, domain.WorkerActive, w.Status)

	e.registry.DetectStaleWorkers(-1)
	assert.Equal(t, http.StatusNoContent, e.do(http.MethodPost, "/api/workers/w1/heartbeat", nil).Code)
	got, _ := e.registry.GetWorker("w1")
	assert.Equal(t, domain.WorkerActive, got.Status)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/api/workers/ghost/heartbeat", nil).Code)

	var workers []domain.Worker
	rec = e.do(http.MethodGet, "/api/workers", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, []string{"email"}, workers[0].Capabilities)
}

func TestHeartbeatEscapedWorkerID(t *testing.T) {
	e := newEnv(t)
	e.registry.RegisterWorker("pool/a", "a.local:9000", "email")
	e.registry.DetectStaleWorkers(-1)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodPost, "/api/workers/pool%2Fa/heartbeat", nil).Code)
	got, ok := e.registry.GetWorker("pool/a")
	require.True(t, ok)
	assert.Equal(t, domain.WorkerActive, got.Status)
}

func TestRegisterWorkerValidation(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/workers", map[string]any{"host": "h"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/workers", map[string]any{"worker_id": "w"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/workers", "[").Code)
	assert.Empty(t, e.registry.ListWorkers())
}

func TestMetrics(t *testing.T) {
	e := newEnv(t)
	j, err := domain.NewJob("j1", "j1", "email")
	require.NoError(t, err)
	require.NoError(t, e.store.Save(context.Background(), j))
	e.registry.RegisterWorker("w1", "h", "email")

	rec := e.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `jobdispatch_jobs{status="QUEUED"} 1`)
	assert.Contains(t, body, `jobdispatch_jobs{status="FAILED"} 0`)
	assert.Contains(t, body, `jobdispatch_workers{status="ACTIVE"} 1`)
	assert.Contains(t, body, `jobdispatch_workers{status="STALE"} 0`)
	assert.Contains(t, body, "jobdispatch_up 1")
	assert.Contains(t, body, "# TYPE jobdispatch_jobs gauge")
	assert.Contains(t, body, "# TYPE jobdispatch_cycles_total counter")
	assert.Contains(t, body, "jobdispatch_cycles_total 7")
	assert.Contains(t, body, "jobdispatch_dispatched_total 3")
	assert.Contains(t, body, "jobdispatch_retried_total 0")
}

func TestMetricsReadStateOnEveryScrape(t *testing.T) {
	e := newEnv(t)
	assert.Contains(t, e.do(http.MethodGet, "/metrics", nil).Body.String(), `jobdispatch_workers{status="ACTIVE"} 0`)

	e.registry.RegisterWorker("w1", "h", "email")
	e.registry.RegisterWorker("w2", "h", "email")
	e.registry.DetectStaleWorkers(-1)
	body := e.do(http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, body, `jobdispatch_workers{status="ACTIVE"} 0`)
	assert.Contains(t, body, `jobdispatch_workers{status="STALE"} 2`)
}

type failingStore struct{ queue.JobStore }

func (failingStore) FindAll(context.Context) ([]domain.Job, error) {
	return nil, errors.New("disk gone")
}

func TestMetricsSurviveStoreError(t *testing.T) {
	reg := registry.NewMemoryRegistry(nil)
	reg.RegisterWorker("w1", "h", "email")
	h := NewServer(failingStore{queue.NewMemoryStore(nil)}, reg, fakeStats{Cycles: 2})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "jobdispatch_jobs{")
	assert.Contains(t, body, `jobdispatch_workers{status="ACTIVE"} 1`)
	assert.Contains(t, body, "jobdispatch_cycles_total 2")
}

func TestMetricsWithoutScheduler(t *testing.T) {
	h := NewServer(queue.NewMemoryStore(nil), registry.NewMemoryRegistry(nil), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "cycles_total")
}

func TestDebugRoutes(t *testing.T) {
	h := NewServerWithDebug(queue.NewMemoryStore(nil), registry.NewMemoryRegistry(nil), nil, true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewServer(queue.NewMemoryStore(nil), registry.NewMemoryRegistry(nil), nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
