package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
)

func task(payload string) domain.Task {
	return domain.Task{ID: "t1", Name: "t", Payload: json.RawMessage(payload)}
}

func testExecutor() *Executor {
	return NewExecutor(map[string]Handler{
		"ok": HandlerFunc(func(context.Context, domain.Task) (string, error) { return "done", nil }),
		"fail": HandlerFunc(func(context.Context, domain.Task) (string, error) {
			return "", errors.New("exit status 1")
		}),
		"block": HandlerFunc(func(ctx context.Context, _ domain.Task) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
		"panic": HandlerFunc(func(context.Context, domain.Task) (string, error) { panic("kaboom") }),
	}, "ok", time.Second)
}

func TestExecuteOutcomes(t *testing.T) {
	e := testExecutor()
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
		success bool
		reason  Reason
		message string
	}{
		{"default kind", ``, true, "", "done"},
		{"non-object payload", `"plain text"`, true, "", "done"},
		{"explicit kind", `{"kind":"ok"}`, true, "", "done"},
		{"handler error", `{"kind":"fail"}`, false, ReasonError, "exit status 1"},
		{"unknown kind", `{"kind":"nope"}`, false, ReasonNoHandler, `no handler for kind "nope"`},
		{"panic", `{"kind":"panic"}`, false, ReasonPanic, "panic: kaboom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.Execute(ctx, task(tt.payload))
			assert.Equal(t, tt.success, r.Success)
			assert.Equal(t, tt.reason, r.Reason)
			assert.Equal(t, tt.message, r.Message)
			assert.False(t, r.FinishedAt.Before(r.StartedAt))
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := testExecutor()
	start := time.Now()
	r := e.Execute(context.Background(), task(`{"kind":"block","timeoutMs":50}`))
	assert.False(t, r.Success)
	assert.Equal(t, ReasonTimeout, r.Reason)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteAbortedOnShutdown(t *testing.T) {
	e := testExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	r := e.Execute(ctx, task(`{"kind":"block"}`))
	assert.False(t, r.Success)
	assert.Equal(t, ReasonAborted, r.Reason)
}

func TestPoolRunsJobs(t *testing.T) {
	p := NewPool(testExecutor(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	var mu sync.Mutex
	results := map[string]Result{}
	var wg sync.WaitGroup
	submit := func(id, payload string) {
		wg.Add(1)
		tk := task(payload)
		tk.ID = id
		require.True(t, p.Submit(Job{Task: tk, Done: func(t domain.Task, r Result) {
			mu.Lock()
			results[t.ID] = r
			mu.Unlock()
			wg.Done()
		}}))
	}
	submit("a", `{"kind":"ok"}`)
	submit("b", `{"kind":"fail"}`)
	wg.Wait()

	assert.True(t, results["a"].Success)
	assert.False(t, results["b"].Success)

	cancel()
	<-stopped
}

func TestPoolSubmitNeverBlocks(t *testing.T) {
	p := NewPool(testExecutor(), 1)
	noop := func(domain.Task, Result) {}
	assert.True(t, p.Submit(Job{Task: task(``), Done: noop}))
	assert.False(t, p.Submit(Job{Task: task(``), Done: noop}))
}

func TestPoolAbortsQueuedJobsOnStop(t *testing.T) {
	p := NewPool(testExecutor(), 1)
	var got Result
	done := make(chan struct{})
	require.True(t, p.Submit(Job{Task: task(``), Done: func(_ domain.Task, r Result) {
		got = r
		close(done)
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued job never completed")
	}
	// The worker may pick the job before it sees cancellation; either way it completes once.
	if !got.Success {
		assert.Equal(t, ReasonAborted, got.Reason)
	}
}
