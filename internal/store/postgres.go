package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tickflow/internal/domain"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  message_id TEXT UNIQUE,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  tenant TEXT NOT NULL,
  priority TEXT NOT NULL DEFAULT 'MEDIUM',
  cron_expr TEXT NOT NULL DEFAULT '',
  scheduled_at TIMESTAMPTZ,
  payload BYTEA,
  parameters BYTEA,
  status TEXT NOT NULL DEFAULT 'CREATED',
  max_retries INTEGER NOT NULL DEFAULT 3,
  retry_delay_ms BIGINT NOT NULL DEFAULT 5000,
  current_retries INTEGER NOT NULL DEFAULT 0,
  next_execution_time TIMESTAMPTZ,
  last_execution_time TIMESTAMPTZ,
  execution_result TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  executing BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  created_by TEXT NOT NULL DEFAULT '',
  assigned_to TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at, id);
CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant, created_at);
CREATE TABLE IF NOT EXISTS task_attempts (
  id BIGSERIAL PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  started_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ NOT NULL,
  success BOOLEAN NOT NULL DEFAULT FALSE,
  reason TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id, id);
`

type postgresRepo struct{ db *pgxpool.Pool }

// NewPostgresRepo ensures the schema and returns a Repository over the pool.
func NewPostgresRepo(ctx context.Context, db *pgxpool.Pool) (Repository, error) {
	if _, err := db.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return &postgresRepo{db: db}, nil
}

func (r *postgresRepo) Insert(ctx context.Context, t domain.Task) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`, pgArgs(t)...)
	if isPgUnique(err) {
		return domain.Conflictf("task %s or messageId %q already exists", t.ID, t.MessageID)
	}
	return err
}

func (r *postgresRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanPgTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (r *postgresRepo) Save(ctx context.Context, t domain.Task) error {
	tag, err := r.db.Exec(ctx, `
UPDATE tasks SET message_id=$2,name=$3,description=$4,tenant=$5,priority=$6,cron_expr=$7,scheduled_at=$8,payload=$9,
parameters=$10,status=$11,max_retries=$12,retry_delay_ms=$13,current_retries=$14,next_execution_time=$15,
last_execution_time=$16,execution_result=$17,error_message=$18,executing=$19,created_at=$20,updated_at=$21,
created_by=$22,assigned_to=$23
WHERE id=$1`, pgArgs(t)...)
	if err != nil {
		if isPgUnique(err) {
			return domain.Conflictf("messageId %q already exists", t.MessageID)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *postgresRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *postgresRepo) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if f.Priority != "" {
		add("priority = $%d", string(f.Priority))
	}
	if f.Tenant != "" {
		add("tenant = $%d", f.Tenant)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *postgresRepo) FindByMessageID(ctx context.Context, messageID string) (domain.Task, error) {
	t, err := scanPgTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE message_id=$1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (r *postgresRepo) ResetExecuting(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `UPDATE tasks SET executing=FALSE, updated_at=$1 WHERE executing`, domain.Now())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepo) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO task_attempts(task_id, started_at, finished_at, success, reason, message) VALUES ($1,$2,$3,$4,$5,$6)`,
		a.TaskID, a.StartedAt, a.FinishedAt, a.Success, a.Reason, a.Message)
	return err
}

func (r *postgresRepo) ListAttempts(ctx context.Context, taskID string, limit int) ([]domain.Attempt, error) {
	q := `SELECT task_id, started_at, finished_at, success, reason, message
FROM task_attempts WHERE task_id=$1 ORDER BY id DESC`
	args := []any{taskID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		if err := rows.Scan(&a.TaskID, &a.StartedAt, &a.FinishedAt, &a.Success, &a.Reason, &a.Message); err != nil {
			return nil, err
		}
		a.StartedAt = a.StartedAt.UTC()
		a.FinishedAt = a.FinishedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPgTask(row pgx.Row) (domain.Task, error) {
	var (
		t                             domain.Task
		msgID                         *string
		prio, status                  string
		scheduledAt, nextRun, lastRun *time.Time
		payload, params               []byte
	)
	err := row.Scan(&t.ID, &msgID, &t.Name, &t.Description, &t.Tenant, &prio, &t.CronExpression, &scheduledAt,
		&payload, &params, &status, &t.MaxRetries, &t.RetryDelayMs, &t.CurrentRetries, &nextRun, &lastRun,
		&t.ExecutionResult, &t.ErrorMessage, &t.Executing, &t.CreatedAt, &t.UpdatedAt, &t.CreatedBy, &t.AssignedTo)
	if err != nil {
		return domain.Task{}, err
	}
	if msgID != nil {
		t.MessageID = *msgID
	}
	t.Priority = domain.Priority(prio)
	t.Status = domain.Status(status)
	t.ScheduledAt = utcPtr(scheduledAt)
	t.NextExecutionTime = utcPtr(nextRun)
	t.LastExecutionTime = utcPtr(lastRun)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if len(payload) > 0 {
		t.Payload = payload
	}
	if len(params) > 0 {
		t.Parameters = params
	}
	return t, nil
}

func pgArgs(t domain.Task) []any {
	var msgID *string
	if t.MessageID != "" {
		msgID = &t.MessageID
	}
	return []any{
		t.ID, msgID, t.Name, t.Description, t.Tenant, string(t.Priority), t.CronExpression,
		t.ScheduledAt, []byte(t.Payload), []byte(t.Parameters), string(t.Status),
		t.MaxRetries, t.RetryDelayMs, t.CurrentRetries, t.NextExecutionTime, t.LastExecutionTime,
		t.ExecutionResult, t.ErrorMessage, t.Executing, t.CreatedAt, t.UpdatedAt,
		t.CreatedBy, t.AssignedTo,
	}
}

func utcPtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := p.UTC()
	return &v
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
