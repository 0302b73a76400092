package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
	"tickflow/internal/store"
	"tickflow/internal/worker"
)

// RetryController turns execution results into status transitions.
type RetryController struct {
	store *store.Store
	stats *Stats
}

func NewRetryController(st *store.Store, stats *Stats) *RetryController {
	if stats == nil {
		stats = &Stats{}
	}
	return &RetryController{store: st, stats: stats}
}

// Apply records the result of one execution of task id under the task's lock.
// A result for a task cancelled while it ran only clears the executing marker.
// An aborted attempt is rescheduled immediately without consuming the budget.
func (rc *RetryController) Apply(ctx context.Context, id string, res worker.Result) (domain.Task, error) {
	finished := res.FinishedAt.UTC().Truncate(time.Millisecond)
	if res.FinishedAt.IsZero() {
		finished = domain.Now()
	}

	var counters []*atomic.Int64
	t, err := rc.store.Update(ctx, id, func(t *domain.Task) error {
		counters = counters[:0]
		t.Executing = false
		if t.Status == domain.StatusCancelled {
			counters = append(counters, &rc.stats.Discarded)
			return nil
		}
		now := domain.Now()

		if res.Reason == worker.ReasonAborted {
			counters = append(counters, &rc.stats.Aborted)
			t.NextExecutionTime = &now
			return nil
		}

		if res.Success {
			counters = append(counters, &rc.stats.Succeeded)
			t.ExecutionResult = res.Message
			t.ErrorMessage = ""
			if !t.Recurring() {
				t.Status = domain.StatusCompleted
				t.NextExecutionTime = nil
				return nil
			}
			next, err := NextRunTime(t.CronExpression, finished)
			if err != nil {
				t.Status = domain.StatusFailed
				t.NextExecutionTime = nil
				t.ErrorMessage = err.Error()
				return nil
			}
			t.Status = domain.StatusScheduled
			t.CurrentRetries = 0
			t.NextExecutionTime = &next
			return nil
		}

		counters = append(counters, &rc.stats.Failed)
		t.ErrorMessage = fmt.Sprintf("%s: %s", res.Reason, res.Message)
		if t.CurrentRetries < t.MaxRetries {
			counters = append(counters, &rc.stats.Retried)
			t.CurrentRetries++
			t.Status = domain.StatusRetry
			next := now.Add(t.RetryDelay())
			t.NextExecutionTime = &next
			return nil
		}
		counters = append(counters, &rc.stats.Exhausted)
		t.Status = domain.StatusFailed
		t.NextExecutionTime = nil
		return nil
	})
	if err != nil {
		return t, fmt.Errorf("apply result for %s: %w", id, err)
	}
	for _, c := range counters {
		c.Add(1)
	}

	if err := rc.store.RecordAttempt(ctx, domain.Attempt{
		TaskID:     id,
		StartedAt:  res.StartedAt.UTC().Truncate(time.Millisecond),
		FinishedAt: finished,
		Success:    res.Success,
		Reason:     string(res.Reason),
		Message:    res.Message,
	}); errors.Is(err, domain.ErrNotFound) {
		log.Debug().Str("task_id", id).Msg("task deleted before attempt was recorded")
	} else if err != nil {
		log.Warn().Err(err).Str("task_id", id).Msg("failed to record attempt")
	}

	log.Info().
		Str("task_id", id).
		Str("tenant", t.Tenant).
		Str("status", string(t.Status)).
		Bool("success", res.Success).
		Str("reason", string(res.Reason)).
		Int("retries", t.CurrentRetries).
		Msg("execution result applied")
	return t, nil
}
