package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, user_id, type, parent_id, status, parameters, progress, result,
error_info, retry_count, next_attempt_at, execution_node_id, subtask_summary,
created_at, started_at, completed_at, updated_at`

const taskColumnsT = `t.id, t.user_id, t.type, t.parent_id, t.status, t.parameters, t.progress, t.result,
t.error_info, t.retry_count, t.next_attempt_at, t.execution_node_id, t.subtask_summary,
t.created_at, t.started_at, t.completed_at, t.updated_at`

type CreateTaskParams struct {
	UserID     string
	Type       string
	Parameters []byte // JSON
	ParentID   *uuid.UUID
}

func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	id := uuid.New()

	// a nil Parameters slice binds as SQL NULL; the column is NOT NULL
	q := `
INSERT INTO tasks (id, user_id, type, parent_id, parameters, status)
VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), 'queued')
RETURNING ` + taskColumns + `;
`
	var t Task
	if err := s.scanTask(s.db.QueryRow(ctx, q, id, p.UserID, p.Type, p.ParentID, p.Parameters), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1;`
	var t Task
	err := s.scanTask(s.db.QueryRow(ctx, q, id), &t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ClaimTask atomically transitions queued|retrying -> running. The predicate
// failing is the claim-conflict signal: another worker owns the task or it is
// not claimable. started_at is only set on the first claim. Returns the
// updated task and the status it transitioned from.
func (s *Store) ClaimTask(ctx context.Context, id uuid.UUID, nodeID string) (*Task, TaskStatus, error) {
	q := `
UPDATE tasks t
SET status = 'running',
    execution_node_id = $2,
    started_at = COALESCE(t.started_at, now()),
    updated_at = now()
FROM tasks prev
WHERE t.id = prev.id AND t.id = $1 AND t.status IN ('queued', 'retrying')
RETURNING ` + taskColumnsT + `, prev.status;
`
	return s.conditionalUpdate(ctx, id, q, id, nodeID)
}

// SetProgress updates the progress payload only while the task is running and
// reports whether the write applied. Progress from a superseded attempt hits
// zero rows and is dropped.
func (s *Store) SetProgress(ctx context.Context, id uuid.UUID, progress []byte) (bool, error) {
	q := `
UPDATE tasks
SET progress = $2::jsonb, updated_at = now()
WHERE id = $1 AND status = 'running';
`
	tag, err := s.db.Exec(ctx, q, id, progress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID, result []byte) (*Task, TaskStatus, error) {
	q := `
UPDATE tasks t
SET status = 'completed',
    result = $2::jsonb,
    completed_at = now(),
    updated_at = now()
FROM tasks prev
WHERE t.id = prev.id AND t.id = $1 AND t.status = 'running'
RETURNING ` + taskColumnsT + `, prev.status;
`
	return s.conditionalUpdate(ctx, id, q, id, result)
}

func (s *Store) FailTask(ctx context.Context, id uuid.UUID, errInfo *ErrorInfo, deadLetter bool) (*Task, TaskStatus, error) {
	info, err := json.Marshal(errInfo)
	if err != nil {
		return nil, "", fmt.Errorf("marshal error info: %w", err)
	}

	status := StatusFailed
	if deadLetter {
		status = StatusDeadLetter
	}

	// Dead-letter is terminal, so it also stamps completed_at.
	q := `
UPDATE tasks t
SET status = $2,
    error_info = $3::jsonb,
    completed_at = CASE WHEN $2 = 'dead_letter' THEN now() ELSE t.completed_at END,
    updated_at = now()
FROM tasks prev
WHERE t.id = prev.id AND t.id = $1
  AND t.status NOT IN ('completed', 'dead_letter', 'cancelled')
RETURNING ` + taskColumnsT + `, prev.status;
`
	return s.conditionalUpdate(ctx, id, q, id, string(status), info)
}

func (s *Store) RetryTask(ctx context.Context, id uuid.UUID, errInfo *ErrorInfo, nextAttemptAt time.Time) (*Task, TaskStatus, error) {
	info, err := json.Marshal(errInfo)
	if err != nil {
		return nil, "", fmt.Errorf("marshal error info: %w", err)
	}

	q := `
UPDATE tasks t
SET status = 'retrying',
    error_info = $2::jsonb,
    retry_count = t.retry_count + 1,
    next_attempt_at = $3,
    updated_at = now()
FROM tasks prev
WHERE t.id = prev.id AND t.id = $1 AND t.status = 'running'
RETURNING ` + taskColumnsT + `, prev.status;
`
	return s.conditionalUpdate(ctx, id, q, id, info, nextAttemptAt)
}

// CancelTask is scoped to the owning user and fails harmlessly with
// ErrConflict once the task is terminal.
func (s *Store) CancelTask(ctx context.Context, id uuid.UUID, userID string) (*Task, TaskStatus, error) {
	q := `
UPDATE tasks t
SET status = 'cancelled',
    completed_at = now(),
    updated_at = now()
FROM tasks prev
WHERE t.id = prev.id AND t.id = $1 AND t.user_id = $2
  AND t.status IN ('queued', 'running', 'retrying')
RETURNING ` + taskColumnsT + `, prev.status;
`
	return s.conditionalUpdate(ctx, id, q, id, userID)
}

// ReplaceResult swaps the stored result without touching status, for
// enrichment that arrives after the terminal event was emitted.
func (s *Store) ReplaceResult(ctx context.Context, id uuid.UUID, result []byte) (*Task, error) {
	q := `
UPDATE tasks
SET result = $2::jsonb, updated_at = now()
WHERE id = $1
RETURNING ` + taskColumns + `;
`
	var t Task
	err := s.scanTask(s.db.QueryRow(ctx, q, id, result), &t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// BumpSubtaskSummary adjusts the parent's per-status child counters in a
// single statement: increments to, decrements from when non-nil. Both jsonb
// reads see the pre-update row, so the arithmetic stays correct under
// concurrent child transitions.
func (s *Store) BumpSubtaskSummary(ctx context.Context, parentID uuid.UUID, from *TaskStatus, to TaskStatus) error {
	if from != nil && *from == to {
		return nil
	}

	var q string
	var args []any
	if from == nil {
		q = `
UPDATE tasks
SET subtask_summary = jsonb_set(
        COALESCE(subtask_summary, '{}'::jsonb),
        ARRAY[$2],
        to_jsonb(COALESCE((subtask_summary->>$2)::int, 0) + 1)),
    updated_at = now()
WHERE id = $1;
`
		args = []any{parentID, string(to)}
	} else {
		q = `
UPDATE tasks
SET subtask_summary = jsonb_set(
        jsonb_set(
            COALESCE(subtask_summary, '{}'::jsonb),
            ARRAY[$2],
            to_jsonb(COALESCE((subtask_summary->>$2)::int, 0) + 1)),
        ARRAY[$3],
        to_jsonb(COALESCE((subtask_summary->>$3)::int, 0) - 1)),
    updated_at = now()
WHERE id = $1;
`
		args = []any{parentID, string(to), string(*from)}
	}

	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type ListUserTasksParams struct {
	UserID       string
	Status       *TaskStatus
	ExcludeTypes []string
	Limit        int
	Offset       int
}

// ListUserTasks returns top-level tasks for a user ordered by creation time
// descending. Children are fetched separately via ListChildren.
func (s *Store) ListUserTasks(ctx context.Context, p ListUserTasksParams) ([]Task, error) {
	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	q := `
SELECT ` + taskColumns + `
FROM tasks
WHERE user_id = $1
  AND parent_id IS NULL
  AND ($2::text IS NULL OR status = $2)
  AND NOT (type = ANY($3::text[]))
ORDER BY created_at DESC
LIMIT $4 OFFSET $5;
`

	var status *string
	if p.Status != nil {
		sv := string(*p.Status)
		status = &sv
	}

	exclude := p.ExcludeTypes
	if exclude == nil {
		exclude = []string{}
	}

	rows, err := s.db.Query(ctx, q, p.UserID, status, exclude, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.collectTasks(rows, limit)
}

func (s *Store) ListChildren(ctx context.Context, parentID uuid.UUID) ([]Task, error) {
	q := `
SELECT ` + taskColumns + `
FROM tasks
WHERE parent_id = $1
ORDER BY created_at DESC;
`
	rows, err := s.db.Query(ctx, q, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.collectTasks(rows, 8)
}

func (s *Store) conditionalUpdate(ctx context.Context, id uuid.UUID, q string, args ...any) (*Task, TaskStatus, error) {
	var t Task
	var prev TaskStatus
	err := s.scanTask(s.db.QueryRow(ctx, q, args...), &t, &prev)
	if errors.Is(err, pgx.ErrNoRows) {
		// either not found OR the status predicate failed; check existence
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return nil, "", getErr
		}
		return nil, "", ErrConflict
	}
	if err != nil {
		return nil, "", err
	}
	return &t, prev, nil
}

func (s *Store) collectTasks(rows pgx.Rows, sizeHint int) ([]Task, error) {
	out := make([]Task, 0, sizeHint)
	for rows.Next() {
		var t Task
		if err := s.scanTask(rows, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanTask scans the task columns plus any trailing extras (e.g. the
// pre-update status from conditional transitions).
func (s *Store) scanTask(row pgx.Row, t *Task, extra ...any) error {
	var errInfo, summary []byte
	dest := []any{
		&t.ID, &t.UserID, &t.Type, &t.ParentID, &t.Status, &t.Parameters, &t.Progress,
		&t.Result, &errInfo, &t.RetryCount, &t.NextAttemptAt, &t.ExecNodeID, &summary,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if len(errInfo) > 0 {
		if err := json.Unmarshal(errInfo, &t.ErrorInfo); err != nil {
			return fmt.Errorf("decode error_info: %w", err)
		}
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &t.SubtaskSummary); err != nil {
			return fmt.Errorf("decode subtask_summary: %w", err)
		}
	}
	return nil
}
