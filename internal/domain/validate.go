package domain

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultTenant       = "default"
	DefaultMaxRetries   = 3
	DefaultRetryDelayMs = 5000

	MaxNameLen        = 100
	MaxDescriptionLen = 500
	MaxActorLen       = 50
	MaxRetriesLimit   = 10
	MinRetryDelayMs   = 1000
	MaxRetryDelayMs   = 300000
)

var reTenant = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidTenant reports whether s can be used as a tenant namespace.
func ValidTenant(s string) bool { return reTenant.MatchString(s) }

// Build validates the definition and returns a CREATED task. Scheduling
// fields (NextExecutionTime) are left for the scheduler to fill in.
func (n NewTask) Build(id string, now time.Time) (Task, error) {
	name := strings.TrimSpace(n.Name)
	if name == "" {
		return Task{}, Invalid("name", "is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLen {
		return Task{}, Invalid("name", "must be at most %d characters", MaxNameLen)
	}
	if utf8.RuneCountInString(n.Description) > MaxDescriptionLen {
		return Task{}, Invalid("description", "must be at most %d characters", MaxDescriptionLen)
	}
	if utf8.RuneCountInString(n.CreatedBy) > MaxActorLen {
		return Task{}, Invalid("createdBy", "must be at most %d characters", MaxActorLen)
	}
	if utf8.RuneCountInString(n.AssignedTo) > MaxActorLen {
		return Task{}, Invalid("assignedTo", "must be at most %d characters", MaxActorLen)
	}

	cronExpr := strings.TrimSpace(n.CronExpression)
	if cronExpr != "" && n.ScheduledAt != nil {
		return Task{}, Invalid("cronExpression", "cannot be combined with scheduledAt")
	}

	tenant := strings.TrimSpace(n.Tenant)
	if tenant == "" {
		tenant = DefaultTenant
	}
	if !ValidTenant(tenant) {
		return Task{}, Invalid("tenant", "invalid tenant %q", n.Tenant)
	}

	prio, err := ParsePriority(n.Priority)
	if err != nil {
		return Task{}, err
	}

	maxRetries := DefaultMaxRetries
	if n.MaxRetries != nil {
		maxRetries = *n.MaxRetries
	}
	if maxRetries < 0 || maxRetries > MaxRetriesLimit {
		return Task{}, Invalid("maxRetries", "must be between 0 and %d", MaxRetriesLimit)
	}
	delay := int64(DefaultRetryDelayMs)
	if n.RetryDelayMs != nil {
		delay = *n.RetryDelayMs
	}
	if delay < MinRetryDelayMs || delay > MaxRetryDelayMs {
		return Task{}, Invalid("retryDelayMs", "must be between %d and %d", MinRetryDelayMs, MaxRetryDelayMs)
	}

	t := Task{
		ID:             id,
		MessageID:      strings.TrimSpace(n.MessageID),
		Name:           name,
		Description:    n.Description,
		Tenant:         tenant,
		Priority:       prio,
		CronExpression: cronExpr,
		Payload:        NormalizeJSON(n.Payload),
		Parameters:     NormalizeJSON(n.Parameters),
		Status:         StatusCreated,
		MaxRetries:     maxRetries,
		RetryDelayMs:   delay,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedBy:      n.CreatedBy,
		AssignedTo:     n.AssignedTo,
	}
	if n.ScheduledAt != nil {
		at := n.ScheduledAt.UTC().Truncate(time.Millisecond)
		t.ScheduledAt = &at
	}
	return t, nil
}
