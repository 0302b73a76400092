package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
	"tickflow/internal/queue"
	"tickflow/internal/scheduler"
	"tickflow/internal/store"
	"tickflow/internal/worker"
)

type testAPI struct {
	srv   *httptest.Server
	sched *scheduler.Scheduler
}

func newTestAPI(t *testing.T, opts Options) *testAPI {
	t.Helper()
	st := store.New(store.NewMemoryRepo(), queue.NewHeapIndex())
	exec := worker.NewExecutor(map[string]worker.Handler{
		"log": worker.HandlerFunc(func(context.Context, domain.Task) (string, error) { return "delivered", nil }),
	}, "log", time.Second)
	sched := scheduler.New(st, exec, scheduler.Config{Tick: 20 * time.Millisecond, GlobalLimit: 2})
	srv := httptest.NewServer(NewServerWithOptions(sched, opts))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, sched: sched}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func (a *testAPI) create(t *testing.T, body string) taskView {
	t.Helper()
	code, b := a.do(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusCreated, code, string(b))
	var v taskView
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func decodeErr(t *testing.T, b []byte) errorResp {
	t.Helper()
	var e errorResp
	require.NoError(t, json.Unmarshal(b, &e))
	return e
}

func TestCreateAndGetTask(t *testing.T) {
	a := newTestAPI(t, Options{})
	scheduled := time.Date(2031, 1, 2, 3, 4, 5, 0, time.UTC)

	v := a.create(t, `{
		"name": "nightly report",
		"description": "d",
		"priority": "high",
		"tenant": "acme",
		"messageId": "ext-1",
		"scheduledAt": `+strconv.FormatInt(scheduled.UnixMilli(), 10)+`,
		"payload": "{\"kind\":\"log\",\"note\":\"hi\"}",
		"parameters": {"format": "pdf"},
		"createdBy": "alice"
	}`)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, domain.StatusScheduled, v.Status)
	assert.Equal(t, domain.PriorityHigh, v.Priority)
	assert.Equal(t, 3, v.MaxRetries)
	assert.Equal(t, int64(5000), v.RetryDelayMs)
	require.NotNil(t, v.ScheduledAt)
	assert.True(t, scheduled.Equal(*v.ScheduledAt))
	require.NotNil(t, v.NextExecutionTime)
	assert.True(t, scheduled.Equal(*v.NextExecutionTime))
	assert.JSONEq(t, `{"kind":"log","note":"hi"}`, string(v.Payload))

	code, b := a.do(t, http.MethodGet, "/api/tasks/"+v.ID, "")
	require.Equal(t, http.StatusOK, code)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	for _, field := range []string{"id", "name", "description", "status", "scheduledAt", "nextExecutionTime",
		"createdAt", "updatedAt", "createdBy", "priority", "tenant", "parameters", "payload",
		"retryCount", "currentRetries", "maxRetries", "retryDelayMs"} {
		assert.Contains(t, raw, field)
	}

	code, b = a.do(t, http.MethodGet, "/api/tasks/search?messageId=ext-1", "")
	require.Equal(t, http.StatusOK, code)
	var found taskView
	require.NoError(t, json.Unmarshal(b, &found))
	assert.Equal(t, v.ID, found.ID)
}

func TestCreateValidation(t *testing.T) {
	a := newTestAPI(t, Options{})
	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"description":"x"}`},
		{"both schedules", `{"name":"x","cronExpression":"0 * * * * ?","scheduledAt":"2030-01-01T00:00:00Z"}`},
		{"bad priority", `{"name":"x","priority":"urgent"}`},
		{"bad tenant", `{"name":"x","tenant":"no spaces"}`},
		{"retries too high", `{"name":"x","maxRetries":11}`},
		{"delay too short", `{"name":"x","retryDelayMs":10}`},
		{"bad time", `{"name":"x","scheduledAt":"tomorrow"}`},
		{"not json", `{"name":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, b := a.do(t, http.MethodPost, "/api/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, code, string(b))
			assert.NotEmpty(t, decodeErr(t, b).Message)
		})
	}
}

func TestMalformedCronCreatesFailedTask(t *testing.T) {
	a := newTestAPI(t, Options{})
	v := a.create(t, `{"name":"bad cron","cronExpression":"61 * * * * ?"}`)
	assert.Equal(t, domain.StatusFailed, v.Status)
	assert.Contains(t, v.ErrorMessage, "invalid cron expression")
}

func TestDuplicateMessageIDConflicts(t *testing.T) {
	a := newTestAPI(t, Options{})
	a.create(t, `{"name":"a","messageId":"m"}`)
	code, b := a.do(t, http.MethodPost, "/api/tasks", `{"name":"b","messageId":"m"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", decodeErr(t, b).Error)
}

func TestNotFound(t *testing.T) {
	a := newTestAPI(t, Options{})
	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/tasks/missing"},
		{http.MethodPost, "/api/tasks/missing/cancel"},
		{http.MethodPut, "/api/tasks/missing/retry"},
		{http.MethodDelete, "/api/tasks/missing"},
		{http.MethodGet, "/api/tasks/missing/attempts"},
		{http.MethodGet, "/api/tasks/search?messageId=missing"},
	} {
		code, b := a.do(t, req.method, req.path, "")
		assert.Equal(t, http.StatusNotFound, code, req.path)
		assert.Equal(t, "not_found", decodeErr(t, b).Error)
	}
}

func TestCancelRetryDelete(t *testing.T) {
	a := newTestAPI(t, Options{})
	v := a.create(t, `{"name":"later","scheduledAt":"2030-06-01T12:00:00Z"}`)

	code, b := a.do(t, http.MethodPost, "/api/tasks/"+v.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, code)
	var cancelled taskView
	require.NoError(t, json.Unmarshal(b, &cancelled))
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.NextExecutionTime)

	code, _ = a.do(t, http.MethodPost, "/api/tasks/"+v.ID+"/cancel", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodPut, "/api/tasks/"+v.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = a.do(t, http.MethodDelete, "/api/tasks/"+v.ID, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = a.do(t, http.MethodGet, "/api/tasks/"+v.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRetryForcesImmediateAttempt(t *testing.T) {
	a := newTestAPI(t, Options{})
	v := a.create(t, `{"name":"later","scheduledAt":"2030-06-01T12:00:00Z"}`)

	before := domain.Now()
	code, b := a.do(t, http.MethodPut, "/api/tasks/"+v.ID+"/retry", "")
	require.Equal(t, http.StatusOK, code)
	var retried taskView
	require.NoError(t, json.Unmarshal(b, &retried))
	require.NotNil(t, retried.NextExecutionTime)
	assert.False(t, retried.NextExecutionTime.Before(before))
	assert.True(t, retried.NextExecutionTime.Before(before.Add(time.Minute)))
	assert.Zero(t, retried.CurrentRetries)
}

func TestTaskRunsToCompletion(t *testing.T) {
	a := newTestAPI(t, Options{})
	require.NoError(t, a.sched.Start(context.Background()))
	t.Cleanup(a.sched.Stop)

	v := a.create(t, `{"name":"now"}`)
	require.Eventually(t, func() bool {
		code, b := a.do(t, http.MethodGet, "/api/tasks/"+v.ID, "")
		if code != http.StatusOK {
			return false
		}
		var cur taskView
		_ = json.Unmarshal(b, &cur)
		return cur.Status == domain.StatusCompleted && !cur.Executing
	}, 5*time.Second, 10*time.Millisecond)

	var attempts []attemptView
	require.Eventually(t, func() bool {
		code, b := a.do(t, http.MethodGet, "/api/tasks/"+v.ID+"/attempts", "")
		return code == http.StatusOK && json.Unmarshal(b, &attempts) == nil && len(attempts) == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, attempts[0].Success)
	assert.Equal(t, "delivered", attempts[0].Message)

	code, b := a.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(b), "tickflow_succeeded_total 1")
}

func TestListFiltersAndSorted(t *testing.T) {
	a := newTestAPI(t, Options{})
	a.create(t, `{"name":"unscheduled","tenant":"t1","cronExpression":"0 0 0 1 1 ?"}`)
	a.create(t, `{"name":"early","tenant":"t1","priority":"LOW","scheduledAt":"2030-01-01T00:00:00Z"}`)
	a.create(t, `{"name":"late","tenant":"t2","scheduledAt":"2031-01-01T00:00:00"}`)

	code, b := a.do(t, http.MethodGet, "/api/tasks/sorted", "")
	require.Equal(t, http.StatusOK, code)
	var sorted []taskView
	require.NoError(t, json.Unmarshal(b, &sorted))
	require.Len(t, sorted, 3)
	assert.Equal(t, []string{"late", "early", "unscheduled"}, []string{sorted[0].Name, sorted[1].Name, sorted[2].Name})

	code, b = a.do(t, http.MethodGet, "/api/tasks?tenant=t1&priority=low", "")
	require.Equal(t, http.StatusOK, code)
	var filtered []taskView
	require.NoError(t, json.Unmarshal(b, &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, "early", filtered[0].Name)

	code, _ = a.do(t, http.MethodGet, "/api/tasks?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSearchByTimeRange(t *testing.T) {
	a := newTestAPI(t, Options{})
	first := a.create(t, `{"name":"a","priority":"HIGH"}`)
	time.Sleep(5 * time.Millisecond)
	second := a.create(t, `{"name":"b","priority":"LOW"}`)

	q := "/api/tasks/search/timerange?startDate=" + first.CreatedAt.Format(time.RFC3339Nano) +
		"&endDate=" + second.CreatedAt.Format(time.RFC3339Nano)
	code, b := a.do(t, http.MethodGet, q, "")
	require.Equal(t, http.StatusOK, code, string(b))
	var all []taskView
	require.NoError(t, json.Unmarshal(b, &all))
	assert.Len(t, all, 2)

	code, b = a.do(t, http.MethodGet, q+"&priority=LOW", "")
	require.Equal(t, http.StatusOK, code)
	var low []taskView
	require.NoError(t, json.Unmarshal(b, &low))
	require.Len(t, low, 1)
	assert.Equal(t, second.ID, low[0].ID)

	code, _ = a.do(t, http.MethodGet, "/api/tasks/search/timerange?startDate=2030-01-02T00:00:00Z&endDate=2030-01-01T00:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = a.do(t, http.MethodGet, "/api/tasks/search/timerange?startDate=x", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUpdateTask(t *testing.T) {
	a := newTestAPI(t, Options{})
	v := a.create(t, `{"name":"draft","scheduledAt":"2030-01-01T00:00:00Z"}`)

	code, b := a.do(t, http.MethodPut, "/api/tasks/"+v.ID, `{"name":"final","priority":"HIGH","scheduledAt":"2030-02-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, code, string(b))
	var updated taskView
	require.NoError(t, json.Unmarshal(b, &updated))
	assert.Equal(t, "final", updated.Name)
	assert.Equal(t, domain.PriorityHigh, updated.Priority)
	require.NotNil(t, updated.NextExecutionTime)
	assert.Equal(t, time.February, updated.NextExecutionTime.Month())
}

func TestSubmitRateLimit(t *testing.T) {
	a := newTestAPI(t, Options{SubmitRate: 0.001, SubmitBurst: 1})
	a.create(t, `{"name":"first"}`)
	code, b := a.do(t, http.MethodPost, "/api/tasks", `{"name":"second"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limited", decodeErr(t, b).Error)

	code, _ = a.do(t, http.MethodGet, "/api/tasks", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, Options{})
	for _, path := range []string{"/health", "/api/health"} {
		code, b := a.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, code)
		assert.True(t, bytes.Contains(b, []byte(`"status":"UP"`)))
	}
}
