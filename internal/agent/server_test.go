package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobdispatch/internal/dispatch"
	"jobdispatch/internal/domain"
)

func postJob(t *testing.T, h http.Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute-job", bytes.NewReader(body)))
	return rec
}

func jobBody(t *testing.T, id, typ string, payload map[string]any) []byte {
	t.Helper()
	j, err := domain.NewJob(id, id, typ, domain.WithPayload(payload))
	require.NoError(t, err)
	b, err := json.Marshal(j)
	require.NoError(t, err)
	return b
}

func TestExecuteJobAccepted(t *testing.T) {
	got := make(chan map[string]any, 1)
	handlers := map[string]Handler{
		"email": HandlerFunc(func(_ context.Context, payload json.RawMessage) error {
			var m map[string]any
			if err := json.Unmarshal(payload, &m); err != nil {
				return err
			}
			got <- m
			return nil
		}),
	}
	pool := NewPool(1)
	s := NewServer(pool, handlers, time.Second)

	rec := postJob(t, s, jobBody(t, "j1", "email", map[string]any{"to": "a@example.com"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp executeResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, executeResp{JobID: "j1", Accepted: true}, resp)

	select {
	case m := <-got:
		assert.Equal(t, "a@example.com", m["to"])
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestExecuteJobRejections(t *testing.T) {
	release := make(chan struct{})
	handlers := map[string]Handler{
		"slow": HandlerFunc(func(context.Context, json.RawMessage) error { <-release; return nil }),
	}
	pool := NewPool(1)
	s := NewServer(pool, handlers, time.Second)

	assert.Equal(t, http.StatusBadRequest, postJob(t, s, []byte("{")).Code)
	assert.Equal(t, http.StatusBadRequest, postJob(t, s, []byte(`{"jobId":"x"}`)).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, postJob(t, s, jobBody(t, "j0", "fax", nil)).Code)

	require.Equal(t, http.StatusAccepted, postJob(t, s, jobBody(t, "j1", "slow", nil)).Code)
	assert.Equal(t, http.StatusServiceUnavailable, postJob(t, s, jobBody(t, "j2", "slow", nil)).Code)

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, postJob(t, s, jobBody(t, "j3", "slow", nil)).Code)
}

func TestDispatchClientAgainstAgent(t *testing.T) {
	done := make(chan string, 1)
	handlers := map[string]Handler{
		"email": HandlerFunc(func(context.Context, json.RawMessage) error { done <- "ran"; return nil }),
	}
	pool := NewPool(2)
	srv := httptest.NewServer(NewServer(pool, handlers, time.Second))
	defer srv.Close()

	j, err := domain.NewJob("j1", "j1", "email")
	require.NoError(t, err)
	c := dispatch.NewClient(dispatch.Options{MaxAttempts: 1})
	assert.True(t, c.Dispatch(context.Background(), j, srv.URL))

	unknown, err := domain.NewJob("j2", "j2", "fax")
	require.NoError(t, err)
	assert.False(t, c.Dispatch(context.Background(), unknown, srv.URL))

	assert.Equal(t, "ran", <-done)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestHealthAndStats(t *testing.T) {
	s := NewServer(NewPool(1), nil, time.Second)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var st PoolStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Zero(t, st.Running)
}
