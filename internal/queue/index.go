// Package queue holds the due-time index: an ordering of task ids by next
// execution time used by the dispatcher to find work that is ready now.
//
// The index keeps only (id, due, priority); the store owns the task record.
package queue

import (
	"context"
	"time"

	"tickflow/internal/domain"
)

// Entry is a weak reference to a scheduled task.
type Entry struct {
	ID       string
	Due      time.Time
	Priority domain.Priority
}

// Less orders entries by due time, then priority rank, then id.
func Less(a, b Entry) bool {
	if !a.Due.Equal(b.Due) {
		return a.Due.Before(b.Due)
	}
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	return a.ID < b.ID
}

type Index interface {
	// Upsert inserts the entry or moves an existing one with the same id.
	Upsert(ctx context.Context, e Entry) error
	Remove(ctx context.Context, id string) error
	// PeekDue returns entries with Due <= now in index order without removing them.
	// limit <= 0 means no limit.
	PeekDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	Len(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}
