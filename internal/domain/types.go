package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusScheduled Status = "SCHEDULED"
	StatusDelayed   Status = "DELAYED"
	StatusRetry     Status = "RETRY"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed (except a forced retry of FAILED).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusCreated, StatusScheduled, StatusDelayed, StatusRetry, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", s)}
}

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Rank orders priorities for dispatch: lower rank runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ParsePriority is case-insensitive; empty input yields MEDIUM.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case "":
		return PriorityMedium, nil
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	}
	return "", &ValidationError{Field: "priority", Msg: fmt.Sprintf("unknown priority %q (use HIGH, MEDIUM or LOW)", s)}
}

type Task struct {
	ID          string
	MessageID   string
	Name        string
	Description string
	Tenant      string
	Priority    Priority

	CronExpression string
	ScheduledAt    *time.Time

	Payload    json.RawMessage
	Parameters json.RawMessage

	Status         Status
	MaxRetries     int
	RetryDelayMs   int64
	CurrentRetries int

	NextExecutionTime *time.Time
	LastExecutionTime *time.Time
	ExecutionResult   string
	ErrorMessage      string
	Executing         bool

	CreatedAt  time.Time
	UpdatedAt  time.Time
	CreatedBy  string
	AssignedTo string
}

func (t Task) Recurring() bool { return t.CronExpression != "" }

func (t Task) RetryDelay() time.Duration { return time.Duration(t.RetryDelayMs) * time.Millisecond }

// Clone returns a deep copy so callers never share mutable slices or pointers with the store.
func (t Task) Clone() Task {
	c := t
	c.ScheduledAt = cloneTime(t.ScheduledAt)
	c.NextExecutionTime = cloneTime(t.NextExecutionTime)
	c.LastExecutionTime = cloneTime(t.LastExecutionTime)
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), t.Parameters...)
	}
	return c
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// NewTask carries a client's task definition before validation.
type NewTask struct {
	MessageID      string
	Name           string
	Description    string
	Tenant         string
	Priority       string
	CronExpression string
	ScheduledAt    *time.Time
	Payload        json.RawMessage
	Parameters     json.RawMessage
	CreatedBy      string
	AssignedTo     string
	MaxRetries     *int
	RetryDelayMs   *int64
}

// Attempt is one recorded execution of a task.
type Attempt struct {
	TaskID     string
	StartedAt  time.Time
	FinishedAt time.Time
	Success    bool
	Reason     string
	Message    string
}

// Now returns the wall clock truncated to the millisecond precision every store keeps.
func Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
