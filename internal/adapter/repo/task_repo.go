package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storyreel/internal/domain"
	"storyreel/internal/task"
)

const taskColumns = `id, project_id, user_id, type, model_id, status, progress, provider, provider_task_id, payload, result, error_message, target, created_at, updated_at, completed_at`

// TaskRepositoryPG persists generation tasks in PostgreSQL. All writes against
// an existing record are conditional on the row still being in a non-terminal
// state, which is what makes terminal statuses sticky under concurrent
// cancel/complete races.
type TaskRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewTaskRepository creates a new task repository backed by PostgreSQL.
func NewTaskRepository(pool *pgxpool.Pool) *TaskRepositoryPG {
	return &TaskRepositoryPG{pool: pool}
}

// EnsureSchema creates the tasks table and its indices if they do not exist.
func (r *TaskRepositoryPG) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    type             TEXT NOT NULL,
    model_id         TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    progress         INTEGER NOT NULL DEFAULT 0,
    provider         TEXT,
    provider_task_id TEXT,
    payload          JSONB NOT NULL,
    result           JSONB,
    error_message    TEXT,
    target           JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at     TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim
    ON tasks (created_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project
    ON tasks (project_id, created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tasks schema: %w", err)
		}
	}
	return nil
}

// Create inserts a new pending task record.
func (r *TaskRepositoryPG) Create(ctx context.Context, t *domain.Task) error {
	payload, err := t.MarshalPayload()
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}
	target, err := marshalTarget(t.Target)
	if err != nil {
		return err
	}
	query := `
INSERT INTO tasks (id, project_id, user_id, type, model_id, status, progress, payload, target)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	_, err = r.pool.Exec(ctx, query,
		t.ID,
		t.ProjectID,
		t.UserID,
		t.Type,
		t.ModelID,
		domain.TaskStatusPending,
		0,
		payload,
		target,
	)
	return err
}

// GetByID fetches a task by its identifier.
func (r *TaskRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1;`
	return r.scanTask(r.pool.QueryRow(ctx, query, id))
}

// ListByProject returns tasks for a project, newest first. When all is false
// only active tasks and terminal tasks updated within the recent window are
// returned, which is what a reconnecting client needs to resynchronize.
func (r *TaskRepositoryPG) ListByProject(ctx context.Context, projectID string, all bool) ([]*domain.Task, error) {
	query := `
SELECT ` + taskColumns + `
FROM tasks
WHERE project_id = $1
  AND ($2 OR status = ANY($3) OR updated_at > NOW() - INTERVAL '24 hours')
ORDER BY created_at DESC;
`
	rows, err := r.pool.Query(ctx, query, projectID, all, domain.ActiveStatuses())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Cancel marks an active task cancelled. Returns domain.ErrTaskTerminal when
// the task already reached a terminal state, domain.ErrNotFound when no such
// task exists.
func (r *TaskRepositoryPG) Cancel(ctx context.Context, id string) error {
	query := `
UPDATE tasks
SET status = $2, updated_at = NOW(), completed_at = NOW()
WHERE id = $1 AND status = ANY($3);
`
	tag, err := r.pool.Exec(ctx, query, id, domain.TaskStatusCancelled, domain.ActiveStatuses())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, id)
	}
	return nil
}

// ClaimPending atomically claims the oldest pending task for a runner.
// SKIP LOCKED keeps concurrent workers from fighting over the same row.
func (r *TaskRepositoryPG) ClaimPending(ctx context.Context) (*domain.Task, error) {
	query := `
UPDATE tasks
SET status = $1, updated_at = NOW()
WHERE id = (
  SELECT id FROM tasks
  WHERE status = $2
  ORDER BY created_at
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING ` + taskColumns + `;`
	t, err := r.scanTask(r.pool.QueryRow(ctx, query, domain.TaskStatusRunning, domain.TaskStatusPending))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, task.ErrNoTaskAvailable
	}
	return t, err
}

// MarkRunning records the provider linkage after a successful submission.
func (r *TaskRepositoryPG) MarkRunning(ctx context.Context, id, provider, providerTaskID string, progress int) error {
	query := `
UPDATE tasks
SET status = $2,
    provider = $3,
    provider_task_id = $4,
    progress = GREATEST(progress, $5),
    updated_at = NOW()
WHERE id = $1 AND status = ANY($6);
`
	return r.guardedExec(ctx, id, query, id, domain.TaskStatusRunning, provider, providerTaskID, progress, domain.ActiveStatuses())
}

// SetProgress moves an active task between running and polling and bumps its
// progress. GREATEST keeps the reported progress monotonic even if provider
// percentages regress.
func (r *TaskRepositoryPG) SetProgress(ctx context.Context, id string, status domain.TaskStatus, progress int) error {
	query := `
UPDATE tasks
SET status = $2,
    progress = GREATEST(progress, $3),
    updated_at = NOW()
WHERE id = $1 AND status = ANY($4);
`
	return r.guardedExec(ctx, id, query, id, status, progress, domain.ActiveStatuses())
}

// Complete stores the result envelope and finalizes the task.
func (r *TaskRepositoryPG) Complete(ctx context.Context, id string, result *domain.TaskResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	query := `
UPDATE tasks
SET status = $2,
    progress = 100,
    result = $3,
    updated_at = NOW(),
    completed_at = NOW()
WHERE id = $1 AND status = ANY($4);
`
	return r.guardedExec(ctx, id, query, id, domain.TaskStatusCompleted, raw, domain.ActiveStatuses())
}

// Fail records the error message and finalizes the task.
func (r *TaskRepositoryPG) Fail(ctx context.Context, id, message string) error {
	query := `
UPDATE tasks
SET status = $2,
    error_message = $3,
    updated_at = NOW(),
    completed_at = NOW()
WHERE id = $1 AND status = ANY($4);
`
	return r.guardedExec(ctx, id, query, id, domain.TaskStatusFailed, message, domain.ActiveStatuses())
}

// PurgeTerminalBefore deletes terminal tasks whose completion predates cutoff.
// Returns the number of rows removed.
func (r *TaskRepositoryPG) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
DELETE FROM tasks
WHERE status = ANY($1) AND completed_at < $2;
`
	terminal := []string{
		string(domain.TaskStatusCompleted),
		string(domain.TaskStatusFailed),
		string(domain.TaskStatusCancelled),
	}
	tag, err := r.pool.Exec(ctx, query, terminal, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// guardedExec runs a write scoped to active rows and converts a zero-row
// outcome into the terminal/not-found distinction callers branch on.
func (r *TaskRepositoryPG) guardedExec(ctx context.Context, id, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, id)
	}
	return nil
}

func (r *TaskRepositoryPG) classifyMiss(ctx context.Context, id string) error {
	var status domain.TaskStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1;`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		return domain.ErrTaskTerminal
	}
	return fmt.Errorf("task %s write rejected in status %s", id, status)
}

func (r *TaskRepositoryPG) scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t              domain.Task
		provider       *string
		providerTaskID *string
		payload        []byte
		result         []byte
		errMsg         *string
		target         []byte
	)
	if err := row.Scan(
		&t.ID,
		&t.ProjectID,
		&t.UserID,
		&t.Type,
		&t.ModelID,
		&t.Status,
		&t.Progress,
		&provider,
		&providerTaskID,
		&payload,
		&result,
		&errMsg,
		&target,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if provider != nil {
		t.Provider = *provider
	}
	if providerTaskID != nil {
		t.ProviderTaskID = *providerTaskID
	}
	if errMsg != nil {
		t.Error = *errMsg
	}
	if err := t.UnmarshalPayload(payload); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		var res domain.TaskResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
		t.Result = &res
	}
	if len(target) > 0 {
		var tg domain.Target
		if err := json.Unmarshal(target, &tg); err != nil {
			return nil, fmt.Errorf("decode task target: %w", err)
		}
		t.Target = &tg
	}
	return &t, nil
}

func marshalTarget(t *domain.Target) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task target: %w", err)
	}
	return raw, nil
}
