package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
)

// Job is one dispatched execution. Done is called exactly once with the result.
type Job struct {
	Task domain.Task
	Done func(t domain.Task, r Result)
}

// Pool runs jobs on a fixed set of workers. Submit never blocks; the caller
// bounds outstanding jobs (the dispatcher's slots) to at most the pool size.
type Pool struct {
	exec     *Executor
	jobs     chan Job
	size     int
	inflight atomic.Int32
	wg       sync.WaitGroup
}

func NewPool(exec *Executor, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{exec: exec, jobs: make(chan Job, size), size: size}
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) InFlight() int { return int(p.inflight.Load()) }

// Submit enqueues the job, reporting false if the buffer is full.
func (p *Pool) Submit(j Job) bool {
	select {
	case p.jobs <- j:
		return true
	default:
		return false
	}
}

// Run starts the workers and blocks until ctx is done and every worker has
// returned. Jobs still buffered at shutdown complete with ReasonAborted.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	<-ctx.Done()
	p.wg.Wait()

	for {
		select {
		case j := <-p.jobs:
			now := time.Now()
			j.Done(j.Task, Result{Reason: ReasonAborted, Message: "pool stopped before execution", StartedAt: now, FinishedAt: now})
		default:
			return
		}
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.inflight.Add(1)
			r := p.exec.Execute(ctx, j.Task)
			p.inflight.Add(-1)
			log.Debug().Str("task_id", j.Task.ID).Bool("success", r.Success).Str("reason", string(r.Reason)).
				Dur("dur", r.FinishedAt.Sub(r.StartedAt)).Msg("task executed")
			j.Done(j.Task, r)
		}
	}
}
