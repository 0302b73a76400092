package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
	"tickflow/internal/queue"
	"tickflow/internal/store"
	"tickflow/internal/worker"
)

// Dispatcher moves due tasks from the index to the worker pool. It runs on a
// fixed tick and also whenever Wake is called.
type Dispatcher struct {
	store    *store.Store
	pool     *worker.Pool
	slots    *Slots
	retry    *RetryController
	stats    *Stats
	interval time.Duration
	batch    int
	wake     chan struct{}
}

func NewDispatcher(st *store.Store, pool *worker.Pool, slots *Slots, retry *RetryController, stats *Stats, interval time.Duration, batch int) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		store:    st,
		pool:     pool,
		slots:    slots,
		retry:    retry,
		stats:    stats,
		interval: interval,
		batch:    batch,
		wake:     make(chan struct{}, 1),
	}
}

// Wake requests a dispatch pass without waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", d.interval).Msg("dispatcher started")

	d.dispatchDue(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("dispatcher stopped")
			return
		case <-ticker.C:
			d.dispatchDue(ctx)
		case <-d.wake:
			d.dispatchDue(ctx)
		}
	}
}

// dispatchDue visits every due entry in index order, including those behind
// delayed ones. batch caps how many tasks are started per pass; reaching it
// schedules another pass.
func (d *Dispatcher) dispatchDue(ctx context.Context) {
	now := domain.Now()
	entries, err := d.store.Index().PeekDue(ctx, now, 0)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("failed to read due tasks")
		}
		return
	}
	started := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if d.dispatchOne(ctx, e, now) {
			started++
		}
		if d.batch > 0 && started >= d.batch {
			d.Wake()
			return
		}
	}
}

// dispatchOne reports whether the task was handed to the pool.
func (d *Dispatcher) dispatchOne(ctx context.Context, e queue.Entry, now time.Time) bool {
	var acquired, delayed bool
	var tenant string
	t, err := d.store.Update(ctx, e.ID, func(t *domain.Task) error {
		acquired, delayed = false, false
		tenant = t.Tenant
		if t.Executing || t.Status.Terminal() || t.NextExecutionTime == nil || t.NextExecutionTime.After(now) {
			return store.ErrUnchanged
		}
		if !d.slots.TryAcquire(t.Tenant) {
			if t.Status == domain.StatusDelayed {
				return store.ErrUnchanged
			}
			delayed = true
			t.Status = domain.StatusDelayed
			return nil
		}
		acquired = true
		t.Executing = true
		started := now
		t.LastExecutionTime = &started
		if t.Status == domain.StatusDelayed || t.Status == domain.StatusCreated {
			t.Status = domain.StatusScheduled
			if t.CurrentRetries > 0 {
				t.Status = domain.StatusRetry
			}
		}
		return nil
	})
	if err != nil {
		if acquired {
			d.slots.Release(tenant)
		}
		if errors.Is(err, domain.ErrNotFound) {
			d.stats.Stale.Add(1)
			log.Debug().Str("task_id", e.ID).Msg("dropped stale index entry")
			return false
		}
		log.Error().Err(err).Str("task_id", e.ID).Msg("failed to dispatch task")
		return false
	}
	if delayed {
		d.stats.Delayed.Add(1)
		log.Debug().Str("task_id", t.ID).Str("tenant", t.Tenant).Msg("no dispatch slot, task delayed")
	}
	if !acquired {
		return false
	}

	job := worker.Job{Task: t, Done: func(done domain.Task, res worker.Result) {
		if _, err := d.retry.Apply(context.WithoutCancel(ctx), done.ID, res); err != nil {
			log.Error().Err(err).Str("task_id", done.ID).Msg("failed to apply execution result")
		}
		d.slots.Release(tenant)
		d.Wake()
	}}
	if !d.pool.Submit(job) {
		log.Warn().Str("task_id", t.ID).Msg("worker pool full, returning task to index")
		if _, err := d.store.Update(ctx, t.ID, func(t *domain.Task) error {
			t.Executing = false
			return nil
		}); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to release task")
		}
		d.slots.Release(tenant)
		return false
	}
	d.stats.Dispatched.Add(1)
	log.Debug().Str("task_id", t.ID).Str("tenant", tenant).Str("priority", string(t.Priority)).Msg("task dispatched")
	return true
}
