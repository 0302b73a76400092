// Package store owns the authoritative task records. Every mutation goes
// through Store.Update, which serializes writers per task id and keeps the
// due-time index consistent with the record it just wrote.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
	"tickflow/internal/queue"
)

// ErrUnchanged may be returned by an Update mutator to skip the write.
var ErrUnchanged = errors.New("unchanged")

type Store struct {
	repo  Repository
	index queue.Index
	locks *keyedMutex

	notify func()
}

func New(repo Repository, index queue.Index) *Store {
	return &Store{repo: repo, index: index, locks: newKeyedMutex()}
}

// OnDue registers fn to be called whenever an update leaves a task due now.
func (s *Store) OnDue(fn func()) { s.notify = fn }

func (s *Store) Index() queue.Index { return s.index }

// Create validates the definition and persists it with status CREATED.
func (s *Store) Create(ctx context.Context, n domain.NewTask) (domain.Task, error) {
	return s.CreateWith(ctx, n, nil)
}

// CreateWith builds the task, lets init set its initial schedule and
// persists it in a single insert.
func (s *Store) CreateWith(ctx context.Context, n domain.NewTask, init func(t *domain.Task)) (domain.Task, error) {
	t, err := n.Build(uuid.NewString(), domain.Now())
	if err != nil {
		return domain.Task{}, err
	}
	if init != nil {
		init(&t)
	}
	if err := s.repo.Insert(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.reindex(ctx, t)
	return t.Clone(), nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.Get(ctx, id)
}

// Update applies fn to a copy of the task under the task's lock, saves the
// result and re-indexes it. A task is indexed iff it is non-terminal, not
// executing and has a next execution time.
func (s *Store) Update(ctx context.Context, id string, fn func(t *domain.Task) error) (domain.Task, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.unindex(ctx, id)
		}
		return domain.Task{}, err
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			s.resync(ctx, cur)
			return cur, nil
		}
		return cur, err
	}
	if next.ID != cur.ID {
		return cur, fmt.Errorf("update %s: id is immutable", id)
	}
	if next.CurrentRetries < 0 || next.CurrentRetries > next.MaxRetries {
		return cur, fmt.Errorf("update %s: currentRetries %d outside [0,%d]", id, next.CurrentRetries, next.MaxRetries)
	}
	next.UpdatedAt = domain.Now()

	if err := s.repo.Save(ctx, next); err != nil {
		return cur, fmt.Errorf("save task %s: %w", id, err)
	}
	s.reindex(ctx, next)
	return next.Clone(), nil
}

// Delete removes the task. Executing tasks cannot be deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Executing {
		return domain.Conflictf("task %s is executing", id)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.unindex(ctx, id)
	return nil
}

func (s *Store) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	return s.repo.List(ctx, f)
}

// SearchByTimeRange returns tasks created within [start, end], ordered by createdAt.
func (s *Store) SearchByTimeRange(ctx context.Context, start, end time.Time, priority domain.Priority, tenant string) ([]domain.Task, error) {
	if end.Before(start) {
		return nil, domain.Invalid("endDate", "must not be before startDate")
	}
	return s.repo.List(ctx, Filter{From: &start, To: &end, Priority: priority, Tenant: tenant})
}

func (s *Store) FindByMessageID(ctx context.Context, messageID string) (domain.Task, error) {
	return s.repo.FindByMessageID(ctx, messageID)
}

// RecordAttempt appends an attempt to the task's history. It holds the task's
// lock so a concurrent Delete cannot leave an orphaned row behind.
func (s *Store) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	unlock := s.locks.Lock(a.TaskID)
	defer unlock()

	if _, err := s.repo.Get(ctx, a.TaskID); err != nil {
		return err
	}
	return s.repo.RecordAttempt(ctx, a)
}

func (s *Store) Attempts(ctx context.Context, id string, limit int) ([]domain.Attempt, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAttempts(ctx, id, limit)
}

// Rebuild clears executing markers left behind by a previous process and
// repopulates the index from the repository. It returns the number of indexed tasks.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	if n, err := s.repo.ResetExecuting(ctx); err != nil {
		return 0, fmt.Errorf("reset executing: %w", err)
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("cleared stale executing markers")
	}
	if err := s.index.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset index: %w", err)
	}
	tasks, err := s.repo.List(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if !indexed(t) {
			continue
		}
		if err := s.index.Upsert(ctx, entryOf(t)); err != nil {
			return n, fmt.Errorf("index task %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

func indexed(t domain.Task) bool {
	return !t.Status.Terminal() && !t.Executing && t.NextExecutionTime != nil
}

func entryOf(t domain.Task) queue.Entry {
	return queue.Entry{ID: t.ID, Due: *t.NextExecutionTime, Priority: t.Priority}
}

func (s *Store) reindex(ctx context.Context, t domain.Task) {
	if !indexed(t) {
		s.unindex(ctx, t.ID)
		return
	}
	if err := s.index.Upsert(ctx, entryOf(t)); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("index upsert failed")
		return
	}
	if s.notify != nil && !t.NextExecutionTime.After(time.Now()) {
		s.notify()
	}
}

// resync makes the index entry match a record that was not rewritten. It
// never notifies, so an unchanged due task cannot spin the dispatcher.
func (s *Store) resync(ctx context.Context, t domain.Task) {
	if !indexed(t) {
		s.unindex(ctx, t.ID)
		return
	}
	if err := s.index.Upsert(ctx, entryOf(t)); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("index upsert failed")
	}
}

func (s *Store) unindex(ctx context.Context, id string) {
	if err := s.index.Remove(ctx, id); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("index remove failed")
	}
}
