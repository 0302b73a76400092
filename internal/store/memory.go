package store

import (
	"context"
	"sort"
	"sync"

	"tickflow/internal/domain"
)

type memoryRepo struct {
	mu       sync.RWMutex
	tasks    map[string]domain.Task
	attempts map[string][]domain.Attempt
}

// NewMemoryRepo returns a non-durable Repository, used for tests and `-store memory`.
func NewMemoryRepo() Repository {
	return &memoryRepo{tasks: make(map[string]domain.Task), attempts: make(map[string][]domain.Attempt)}
}

func (r *memoryRepo) Insert(_ context.Context, t domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return domain.Conflictf("task %s already exists", t.ID)
	}
	if t.MessageID != "" {
		for _, o := range r.tasks {
			if o.MessageID == t.MessageID {
				return domain.Conflictf("messageId %s already used by task %s", t.MessageID, o.ID)
			}
		}
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (r *memoryRepo) Save(_ context.Context, t domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return domain.ErrNotFound
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *memoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.tasks, id)
	delete(r.attempts, id)
	return nil
}

func (r *memoryRepo) List(_ context.Context, f Filter) ([]domain.Task, error) {
	r.mu.RLock()
	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if f.match(t) {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memoryRepo) FindByMessageID(_ context.Context, messageID string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		if t.MessageID == messageID {
			return t.Clone(), nil
		}
	}
	return domain.Task{}, domain.ErrNotFound
}

func (r *memoryRepo) ResetExecuting(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tasks {
		if t.Executing {
			t.Executing = false
			r.tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) RecordAttempt(_ context.Context, a domain.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[a.TaskID] = append(r.attempts[a.TaskID], a)
	return nil
}

func (r *memoryRepo) ListAttempts(_ context.Context, taskID string, limit int) ([]domain.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.attempts[taskID]
	// Newest first, like the SQL repositories.
	out := make([]domain.Attempt, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
