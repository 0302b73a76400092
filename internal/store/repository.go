package store

import (
	"context"
	"time"

	"tickflow/internal/domain"
)

// Filter selects tasks for List. Zero values match everything; From/To are inclusive bounds on CreatedAt.
type Filter struct {
	From     *time.Time
	To       *time.Time
	Priority domain.Priority
	Tenant   string
	Status   domain.Status
	Limit    int
}

func (f Filter) match(t domain.Task) bool {
	if f.From != nil && t.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && t.CreatedAt.After(*f.To) {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.Tenant != "" && t.Tenant != f.Tenant {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// Repository is the persistence boundary of the Store. Implementations must
// return domain.ErrNotFound for missing ids and wrap domain.ErrConflict for
// duplicate ids or message ids. List orders by created_at, then id.
type Repository interface {
	Insert(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	Save(ctx context.Context, t domain.Task) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]domain.Task, error)
	FindByMessageID(ctx context.Context, messageID string) (domain.Task, error)

	// ResetExecuting clears in-flight markers left by a previous process.
	ResetExecuting(ctx context.Context) (int, error)

	RecordAttempt(ctx context.Context, a domain.Attempt) error
	ListAttempts(ctx context.Context, taskID string, limit int) ([]domain.Attempt, error)
}
