package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tickflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  message_id TEXT,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  tenant TEXT NOT NULL,
  priority TEXT NOT NULL CHECK(priority IN ('HIGH','MEDIUM','LOW')) DEFAULT 'MEDIUM',
  cron_expr TEXT NOT NULL DEFAULT '',
  scheduled_at INTEGER,
  payload BLOB,
  parameters BLOB,
  status TEXT NOT NULL CHECK(status IN ('CREATED','SCHEDULED','DELAYED','RETRY','COMPLETED','FAILED','CANCELLED')) DEFAULT 'CREATED',
  max_retries INTEGER NOT NULL DEFAULT 3,
  retry_delay_ms INTEGER NOT NULL DEFAULT 5000,
  current_retries INTEGER NOT NULL DEFAULT 0,
  next_execution_time INTEGER,
  last_execution_time INTEGER,
  execution_result TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  executing INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  created_by TEXT NOT NULL DEFAULT '',
  assigned_to TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at, id);
CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_message ON tasks(message_id) WHERE message_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  reason TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id, id);
`
	_, err := db.Exec(schema)
	return err
}

const taskColumns = `id,message_id,name,description,tenant,priority,cron_expr,scheduled_at,payload,parameters,status,
max_retries,retry_delay_ms,current_retries,next_execution_time,last_execution_time,execution_result,error_message,
executing,created_at,updated_at,created_by,assigned_to`

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Insert(ctx context.Context, t domain.Task) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, sqliteArgs(t)...)
	if err != nil && isUniqueViolation(err) {
		return domain.Conflictf("task %s or messageId %q already exists", t.ID, t.MessageID)
	}
	return err
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) Save(ctx context.Context, t domain.Task) error {
	args := sqliteArgs(t)
	// Rotate id to the WHERE clause.
	args = append(args[1:], t.ID)
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET message_id=?,name=?,description=?,tenant=?,priority=?,cron_expr=?,scheduled_at=?,payload=?,parameters=?,
status=?,max_retries=?,retry_delay_ms=?,current_retries=?,next_execution_time=?,last_execution_time=?,execution_result=?,
error_message=?,executing=?,created_at=?,updated_at=?,created_by=?,assigned_to=?
WHERE id=?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflictf("messageId %q already exists", t.MessageID)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_attempts WHERE task_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

func (r *sqliteRepo) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(f.Priority))
	}
	if f.Tenant != "" {
		where = append(where, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) FindByMessageID(ctx context.Context, messageID string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE message_id=?`, messageID)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) ResetExecuting(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET executing=0, updated_at=? WHERE executing=1`, domain.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, started_at, finished_at, success, reason, message) VALUES (?,?,?,?,?,?)`,
		a.TaskID, a.StartedAt.UnixMilli(), a.FinishedAt.UnixMilli(), a.Success, a.Reason, a.Message)
	return err
}

func (r *sqliteRepo) ListAttempts(ctx context.Context, taskID string, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT task_id, started_at, finished_at, success, reason, message
FROM task_attempts WHERE task_id=? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var (
			a                 domain.Attempt
			started, finished int64
		)
		if err := rows.Scan(&a.TaskID, &started, &finished, &a.Success, &a.Reason, &a.Message); err != nil {
			return nil, err
		}
		a.StartedAt = time.UnixMilli(started).UTC()
		a.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (domain.Task, error) {
	var (
		t                             domain.Task
		msgID                         sql.NullString
		prio, status                  string
		scheduledAt, nextRun, lastRun sql.NullInt64
		created, updated              int64
		payload, params               []byte
	)
	err := row.Scan(&t.ID, &msgID, &t.Name, &t.Description, &t.Tenant, &prio, &t.CronExpression, &scheduledAt,
		&payload, &params, &status, &t.MaxRetries, &t.RetryDelayMs, &t.CurrentRetries, &nextRun, &lastRun,
		&t.ExecutionResult, &t.ErrorMessage, &t.Executing, &created, &updated, &t.CreatedBy, &t.AssignedTo)
	if err != nil {
		return domain.Task{}, err
	}
	t.MessageID = msgID.String
	t.Priority = domain.Priority(prio)
	t.Status = domain.Status(status)
	t.ScheduledAt = fromMillis(scheduledAt)
	t.NextExecutionTime = fromMillis(nextRun)
	t.LastExecutionTime = fromMillis(lastRun)
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	if len(payload) > 0 {
		t.Payload = payload
	}
	if len(params) > 0 {
		t.Parameters = params
	}
	return t, nil
}

func sqliteArgs(t domain.Task) []any {
	return []any{
		t.ID, nullString(t.MessageID), t.Name, t.Description, t.Tenant, string(t.Priority), t.CronExpression,
		toMillis(t.ScheduledAt), []byte(t.Payload), []byte(t.Parameters), string(t.Status),
		t.MaxRetries, t.RetryDelayMs, t.CurrentRetries, toMillis(t.NextExecutionTime), toMillis(t.LastExecutionTime),
		t.ExecutionResult, t.ErrorMessage, t.Executing, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
		t.CreatedBy, t.AssignedTo,
	}
}

func toMillis(p *time.Time) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: p.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

// OpenSQLite opens the database with the pragmas the store relies on.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}
