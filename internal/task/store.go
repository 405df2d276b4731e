package task

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

// Store is the task record store contract the state machine runs on. Both
// the Postgres store and the in-memory store satisfy it. Conditional
// operations return store.ErrConflict when the status predicate fails and
// store.ErrNotFound for unknown ids; transition methods also report the
// status the task moved from, which feeds the parent summary counters.
type Store interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (*store.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error)

	ClaimTask(ctx context.Context, id uuid.UUID, nodeID string) (*store.Task, store.TaskStatus, error)
	SetProgress(ctx context.Context, id uuid.UUID, progress []byte) (bool, error)
	CompleteTask(ctx context.Context, id uuid.UUID, result []byte) (*store.Task, store.TaskStatus, error)
	FailTask(ctx context.Context, id uuid.UUID, errInfo *store.ErrorInfo, deadLetter bool) (*store.Task, store.TaskStatus, error)
	RetryTask(ctx context.Context, id uuid.UUID, errInfo *store.ErrorInfo, nextAttemptAt time.Time) (*store.Task, store.TaskStatus, error)
	CancelTask(ctx context.Context, id uuid.UUID, userID string) (*store.Task, store.TaskStatus, error)
	ReplaceResult(ctx context.Context, id uuid.UUID, result []byte) (*store.Task, error)

	BumpSubtaskSummary(ctx context.Context, parentID uuid.UUID, from *store.TaskStatus, to store.TaskStatus) error

	ListUserTasks(ctx context.Context, p store.ListUserTasksParams) ([]store.Task, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]store.Task, error)
}
