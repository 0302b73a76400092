package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tickflow/internal/domain"
)

type taskReq struct {
	MessageID      string          `json:"messageId"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Tenant         string          `json:"tenant"`
	Priority       string          `json:"priority"`
	CronExpression string          `json:"cronExpression"`
	ScheduledAt    flexTime        `json:"scheduledAt"`
	Payload        json.RawMessage `json:"payload"`
	Parameters     json.RawMessage `json:"parameters"`
	CreatedBy      string          `json:"createdBy"`
	AssignedTo     string          `json:"assignedTo"`
	MaxRetries     *int            `json:"maxRetries"`
	RetryDelayMs   *int64          `json:"retryDelayMs"`
}

func (r taskReq) definition() domain.NewTask {
	return domain.NewTask{
		MessageID:      r.MessageID,
		Name:           r.Name,
		Description:    r.Description,
		Tenant:         r.Tenant,
		Priority:       r.Priority,
		CronExpression: r.CronExpression,
		ScheduledAt:    r.ScheduledAt.t,
		Payload:        r.Payload,
		Parameters:     r.Parameters,
		CreatedBy:      r.CreatedBy,
		AssignedTo:     r.AssignedTo,
		MaxRetries:     r.MaxRetries,
		RetryDelayMs:   r.RetryDelayMs,
	}
}

// flexTime accepts an ISO-8601 string or epoch milliseconds.
type flexTime struct {
	t *time.Time
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		f.t = nil
		return nil
	}
	var raw string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		raw = string(b)
	}
	if strings.TrimSpace(raw) == "" {
		f.t = nil
		return nil
	}
	t, err := parseTime(raw)
	if err != nil {
		return domain.Invalid("scheduledAt", "%v", err)
	}
	f.t = &t
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime reads RFC 3339, a zone-less local date-time (taken as UTC) or epoch milliseconds.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (use ISO-8601 or epoch milliseconds)", s)
}

type taskView struct {
	ID                string          `json:"id"`
	MessageID         string          `json:"messageId,omitempty"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Status            domain.Status   `json:"status"`
	CronExpression    string          `json:"cronExpression,omitempty"`
	ScheduledAt       *time.Time      `json:"scheduledAt"`
	NextExecutionTime *time.Time      `json:"nextExecutionTime"`
	LastExecutionTime *time.Time      `json:"lastExecutionTime"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	CreatedBy         string          `json:"createdBy,omitempty"`
	AssignedTo        string          `json:"assignedTo,omitempty"`
	Priority          domain.Priority `json:"priority"`
	Tenant            string          `json:"tenant"`
	Parameters        json.RawMessage `json:"parameters,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	RetryCount        int             `json:"retryCount"`
	CurrentRetries    int             `json:"currentRetries"`
	MaxRetries        int             `json:"maxRetries"`
	RetryDelayMs      int64           `json:"retryDelayMs"`
	ExecutionResult   string          `json:"executionResult,omitempty"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	Executing         bool            `json:"executing"`
}

func viewOf(t domain.Task) taskView {
	return taskView{
		ID:                t.ID,
		MessageID:         t.MessageID,
		Name:              t.Name,
		Description:       t.Description,
		Status:            t.Status,
		CronExpression:    t.CronExpression,
		ScheduledAt:       t.ScheduledAt,
		NextExecutionTime: t.NextExecutionTime,
		LastExecutionTime: t.LastExecutionTime,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		CreatedBy:         t.CreatedBy,
		AssignedTo:        t.AssignedTo,
		Priority:          t.Priority,
		Tenant:            t.Tenant,
		Parameters:        t.Parameters,
		Payload:           t.Payload,
		RetryCount:        t.CurrentRetries,
		CurrentRetries:    t.CurrentRetries,
		MaxRetries:        t.MaxRetries,
		RetryDelayMs:      t.RetryDelayMs,
		ExecutionResult:   t.ExecutionResult,
		ErrorMessage:      t.ErrorMessage,
		Executing:         t.Executing,
	}
}

func viewsOf(ts []domain.Task) []taskView {
	out := make([]taskView, 0, len(ts))
	for _, t := range ts {
		out = append(out, viewOf(t))
	}
	return out
}

type attemptView struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
}
