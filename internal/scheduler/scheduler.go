// Package scheduler decides when tasks run. Scheduler ties the task store,
// dispatcher, worker pool and retry controller together behind Start/Stop
// and exposes the commands the API serves.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
	"tickflow/internal/store"
	"tickflow/internal/worker"
)

type Config struct {
	Tick         time.Duration
	Batch        int
	GlobalLimit  int
	TenantLimit  int
	TenantLimits map[string]int
}

type Scheduler struct {
	store      *store.Store
	pool       *worker.Pool
	slots      *Slots
	retry      *RetryController
	dispatcher *Dispatcher
	stats      *Stats

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

func New(st *store.Store, exec *worker.Executor, cfg Config) *Scheduler {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 10
	}
	stats := &Stats{}
	slots := NewSlots(cfg.GlobalLimit, cfg.TenantLimit, cfg.TenantLimits)
	pool := worker.NewPool(exec, cfg.GlobalLimit)
	retry := NewRetryController(st, stats)
	d := NewDispatcher(st, pool, slots, retry, stats, cfg.Tick, cfg.Batch)
	st.OnDue(d.Wake)
	return &Scheduler{store: st, pool: pool, slots: slots, retry: retry, dispatcher: d, stats: stats}
}

// Start recovers state left by a previous process and launches the pool and
// dispatcher. It returns once both are running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}

	n, err := s.store.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	if c, err := s.scheduleCreated(ctx); err != nil {
		return err
	} else if c > 0 {
		log.Info().Int("scheduled", c).Msg("scheduled tasks left in CREATED")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pool.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		s.dispatcher.Run(runCtx)
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()

	log.Info().Int("indexed", n).Int("workers", s.pool.Size()).Msg("scheduler started")
	return nil
}

// Stop halts dispatching and waits for in-flight executions to report.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Create persists a new task with its first execution time already set. A
// malformed cron expression leaves the task FAILED with the parse error.
func (s *Scheduler) Create(ctx context.Context, n domain.NewTask) (domain.Task, error) {
	t, err := s.store.CreateWith(ctx, n, func(t *domain.Task) {
		schedule(t, domain.Now())
	})
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().
		Str("task_id", t.ID).
		Str("tenant", t.Tenant).
		Str("status", string(t.Status)).
		Str("priority", string(t.Priority)).
		Msg("task created")
	return t, nil
}

func schedule(t *domain.Task, now time.Time) {
	switch {
	case t.Recurring():
		next, err := NextRunTime(t.CronExpression, now)
		if err != nil {
			t.Status = domain.StatusFailed
			t.NextExecutionTime = nil
			t.ErrorMessage = err.Error()
			return
		}
		t.NextExecutionTime = &next
	case t.ScheduledAt != nil:
		at := *t.ScheduledAt
		t.NextExecutionTime = &at
	default:
		t.NextExecutionTime = &now
	}
	t.Status = domain.StatusScheduled
}

// scheduleCreated gives a first execution time to tasks persisted as CREATED
// without one, which only happens when they were written by store.Create
// directly or by an older process.
func (s *Scheduler) scheduleCreated(ctx context.Context) (int, error) {
	tasks, err := s.store.List(ctx, store.Filter{Status: domain.StatusCreated})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.NextExecutionTime != nil {
			continue
		}
		_, err := s.store.Update(ctx, t.ID, func(t *domain.Task) error {
			if t.Status != domain.StatusCreated || t.NextExecutionTime != nil {
				return store.ErrUnchanged
			}
			schedule(t, domain.Now())
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return n, fmt.Errorf("schedule task %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.store.Get(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, f store.Filter) ([]domain.Task, error) {
	return s.store.List(ctx, f)
}

func (s *Scheduler) SearchByTimeRange(ctx context.Context, start, end time.Time, priority domain.Priority, tenant string) ([]domain.Task, error) {
	return s.store.SearchByTimeRange(ctx, start, end, priority, tenant)
}

// FindByMessageID looks a task up by correlation id, falling back to its id.
func (s *Scheduler) FindByMessageID(ctx context.Context, messageID string) (domain.Task, error) {
	t, err := s.store.FindByMessageID(ctx, messageID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.store.Get(ctx, messageID)
	}
	return t, err
}

func (s *Scheduler) Attempts(ctx context.Context, id string, limit int) ([]domain.Attempt, error) {
	return s.store.Attempts(ctx, id, limit)
}

// Cancel moves a non-terminal task to CANCELLED. Cancelling twice is a no-op;
// cancelling a completed or failed task is a conflict. A result from an
// execution still in flight is discarded when it arrives.
func (s *Scheduler) Cancel(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.store.Update(ctx, id, func(t *domain.Task) error {
		switch t.Status {
		case domain.StatusCancelled:
			return store.ErrUnchanged
		case domain.StatusCompleted, domain.StatusFailed:
			return domain.Conflictf("task %s is already %s", t.ID, t.Status)
		}
		t.Status = domain.StatusCancelled
		t.NextExecutionTime = nil
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", id).Bool("executing", t.Executing).Msg("task cancelled")
	return t, nil
}

// Retry forces an immediate attempt. The retry budget is not reset, so a
// FAILED task gets one more attempt before failing again.
func (s *Scheduler) Retry(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.store.Update(ctx, id, func(t *domain.Task) error {
		if t.Executing {
			return domain.Conflictf("task %s is executing", t.ID)
		}
		switch t.Status {
		case domain.StatusCancelled, domain.StatusCompleted:
			return domain.Conflictf("task %s is %s and cannot be retried", t.ID, t.Status)
		case domain.StatusFailed:
			t.Status = domain.StatusRetry
		case domain.StatusCreated:
			t.Status = domain.StatusScheduled
		}
		now := domain.Now()
		t.NextExecutionTime = &now
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", id).Int("retries", t.CurrentRetries).Msg("retry forced")
	return t, nil
}

// Update replaces the definition of a task that is neither terminal nor
// executing. Identity, status, counters and messageId are kept. A changed
// schedule is recomputed from now.
func (s *Scheduler) Update(ctx context.Context, id string, n domain.NewTask) (domain.Task, error) {
	return s.store.Update(ctx, id, func(t *domain.Task) error {
		if t.Executing {
			return domain.Conflictf("task %s is executing", t.ID)
		}
		if t.Status.Terminal() {
			return domain.Conflictf("task %s is %s", t.ID, t.Status)
		}
		n.MessageID = t.MessageID
		def, err := n.Build(t.ID, t.CreatedAt)
		if err != nil {
			return err
		}
		if def.MaxRetries < t.CurrentRetries {
			return domain.Invalid("maxRetries", "must not be below currentRetries (%d)", t.CurrentRetries)
		}
		if def.Recurring() {
			if err := ValidateCronExpression(def.CronExpression); err != nil {
				return domain.Invalid("cronExpression", "%v", err)
			}
		}

		rescheduled := def.CronExpression != t.CronExpression || !sameTime(def.ScheduledAt, t.ScheduledAt)
		t.Name = def.Name
		t.Description = def.Description
		t.Tenant = def.Tenant
		t.Priority = def.Priority
		t.CronExpression = def.CronExpression
		t.ScheduledAt = def.ScheduledAt
		t.Payload = def.Payload
		t.Parameters = def.Parameters
		t.MaxRetries = def.MaxRetries
		t.RetryDelayMs = def.RetryDelayMs
		t.CreatedBy = def.CreatedBy
		t.AssignedTo = def.AssignedTo
		if rescheduled {
			status := t.Status
			schedule(t, domain.Now())
			if status == domain.StatusRetry {
				t.Status = status
			}
		}
		return nil
	})
}

func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	log.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

func (s *Scheduler) Stats(ctx context.Context) Snapshot {
	snap := s.stats.snapshot()
	snap.InFlight = s.slots.InUse()
	if n, err := s.store.Index().Len(ctx); err == nil {
		snap.Indexed = n
	}
	return snap
}

func (s *Scheduler) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
