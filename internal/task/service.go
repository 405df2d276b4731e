package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

// Dispatcher hands a freshly created task to the execution transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *store.Task) error
}

// TaskListing is a top-level task together with its children, as returned
// by list queries.
type TaskListing struct {
	Task     store.Task   `json:"task"`
	Children []store.Task `json:"children,omitempty"`
}

// Service is the user-facing task API: submission, status queries, listing
// and cancellation. All reads are scoped to the calling user.
type Service struct {
	states     *StateMachine
	store      Store
	dispatcher Dispatcher
	cache      *listCache
	internal   []string
	logger     *zap.Logger
}

type ServiceConfig struct {
	// ListCacheTTL bounds staleness of cached list pages; zero disables
	// the cache.
	ListCacheTTL time.Duration
	// InternalTaskTypes are hidden from user-facing listings.
	InternalTaskTypes []string
}

func NewService(states *StateMachine, st Store, dispatcher Dispatcher, cfg ServiceConfig, logger *zap.Logger) *Service {
	return &Service{
		states:     states,
		store:      st,
		dispatcher: dispatcher,
		cache:      newListCache(cfg.ListCacheTTL),
		internal:   cfg.InternalTaskTypes,
		logger:     logger,
	}
}

// SubmitParams describes a task submission.
type SubmitParams struct {
	UserID     string
	Type       string
	ParentID   *uuid.UUID
	Parameters json.RawMessage
}

// Submit creates the task record and hands it to the dispatcher. The record
// is the source of truth: a dispatch failure leaves the task QUEUED for a
// later sweep rather than failing the submission.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*store.Task, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("submit: user id is required")
	}
	if p.Type == "" {
		return nil, fmt.Errorf("submit: task type is required")
	}

	t, err := s.states.Create(ctx, store.CreateTaskParams{
		UserID:     p.UserID,
		Type:       p.Type,
		ParentID:   p.ParentID,
		Parameters: p.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, t); err != nil {
			s.logger.Error("dispatch task failed, task stays queued",
				zap.String("task_id", t.ID.String()),
				zap.String("type", t.Type),
				zap.Error(err),
			)
		}
	}
	return t, nil
}

// GetStatus returns the task if it belongs to userID. A task owned by
// someone else reports ErrNotAuthorized rather than revealing existence
// details.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID, userID string) (*store.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrNotAuthorized
	}
	return t, nil
}

// ListParams selects a page of a user's top-level tasks.
type ListParams struct {
	UserID string
	Status *store.TaskStatus
	Limit  int
	Offset int
}

// List returns the user's top-level tasks newest first, each with its
// children. Internal task types never appear at the top level. Pages are
// served from the TTL cache when fresh.
func (s *Service) List(ctx context.Context, p ListParams) ([]TaskListing, error) {
	key := listKey(p)
	if items, ok := s.cache.get(key); ok {
		return items, nil
	}

	parents, err := s.store.ListUserTasks(ctx, store.ListUserTasksParams{
		UserID:       p.UserID,
		Status:       p.Status,
		ExcludeTypes: s.internal,
		Limit:        p.Limit,
		Offset:       p.Offset,
	})
	if err != nil {
		return nil, err
	}

	items := make([]TaskListing, 0, len(parents))
	for _, parent := range parents {
		listing := TaskListing{Task: parent}
		if len(parent.SubtaskSummary) > 0 {
			children, err := s.store.ListChildren(ctx, parent.ID)
			if err != nil {
				return nil, err
			}
			listing.Children = children
		}
		items = append(items, listing)
	}

	s.cache.set(key, items)
	return items, nil
}

// Cancel requests cancellation of the user's task. It reports whether the
// task actually transitioned; cancelling an already-terminal task is a
// no-op, not an error.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, userID string) (bool, error) {
	return s.states.Cancel(ctx, id, userID)
}

func listKey(p ListParams) string {
	status := ""
	if p.Status != nil {
		status = string(*p.Status)
	}
	return fmt.Sprintf("%s:%s:%d:%d", p.UserID, status, p.Limit, p.Offset)
}
