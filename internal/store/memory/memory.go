// Package memory provides an in-memory task store and credit ledger with the
// same conditional-update semantics as the Postgres store. It backs unit
// tests and single-process development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

type Store struct {
	mu           sync.Mutex
	tasks        map[uuid.UUID]*store.Task
	reservations map[string]*store.Reservation
	balances     map[string]int64
}

func New() *Store {
	return &Store{
		tasks:        make(map[uuid.UUID]*store.Task),
		reservations: make(map[string]*store.Reservation),
		balances:     make(map[string]int64),
	}
}

func (s *Store) CreateTask(_ context.Context, p store.CreateTaskParams) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := p.Parameters
	if params == nil {
		params = []byte(`{}`)
	}

	now := time.Now()
	t := &store.Task{
		ID:         uuid.New(),
		UserID:     p.UserID,
		Type:       p.Type,
		ParentID:   p.ParentID,
		Status:     store.StatusQueued,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.tasks[t.ID] = t
	return copyTask(t), nil
}

func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTask(t), nil
}

func (s *Store) ClaimTask(_ context.Context, id uuid.UUID, nodeID string) (*store.Task, store.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, "", store.ErrNotFound
	}
	if t.Status != store.StatusQueued && t.Status != store.StatusRetrying {
		return nil, "", store.ErrConflict
	}

	now := time.Now()
	prev := t.Status
	t.Status = store.StatusRunning
	t.ExecNodeID = nodeID
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.UpdatedAt = now
	return copyTask(t), prev, nil
}

func (s *Store) SetProgress(_ context.Context, id uuid.UUID, progress []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != store.StatusRunning {
		return false, nil
	}
	t.Progress = progress
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) CompleteTask(_ context.Context, id uuid.UUID, result []byte) (*store.Task, store.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, "", store.ErrNotFound
	}
	if t.Status != store.StatusRunning {
		return nil, "", store.ErrConflict
	}

	now := time.Now()
	prev := t.Status
	t.Status = store.StatusCompleted
	t.Result = result
	t.CompletedAt = &now
	t.UpdatedAt = now
	return copyTask(t), prev, nil
}

func (s *Store) FailTask(_ context.Context, id uuid.UUID, errInfo *store.ErrorInfo, deadLetter bool) (*store.Task, store.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, "", store.ErrNotFound
	}
	if t.Status.IsTerminal() {
		return nil, "", store.ErrConflict
	}

	now := time.Now()
	prev := t.Status
	if deadLetter {
		t.Status = store.StatusDeadLetter
		t.CompletedAt = &now
	} else {
		t.Status = store.StatusFailed
	}
	t.ErrorInfo = errInfo
	t.UpdatedAt = now
	return copyTask(t), prev, nil
}

func (s *Store) RetryTask(_ context.Context, id uuid.UUID, errInfo *store.ErrorInfo, nextAttemptAt time.Time) (*store.Task, store.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, "", store.ErrNotFound
	}
	if t.Status != store.StatusRunning {
		return nil, "", store.ErrConflict
	}

	prev := t.Status
	t.Status = store.StatusRetrying
	t.ErrorInfo = errInfo
	t.RetryCount++
	t.NextAttemptAt = &nextAttemptAt
	t.UpdatedAt = time.Now()
	return copyTask(t), prev, nil
}

func (s *Store) CancelTask(_ context.Context, id uuid.UUID, userID string) (*store.Task, store.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, "", store.ErrNotFound
	}
	if t.UserID != userID {
		return nil, "", store.ErrConflict
	}
	switch t.Status {
	case store.StatusQueued, store.StatusRunning, store.StatusRetrying:
	default:
		return nil, "", store.ErrConflict
	}

	now := time.Now()
	prev := t.Status
	t.Status = store.StatusCancelled
	t.CompletedAt = &now
	t.UpdatedAt = now
	return copyTask(t), prev, nil
}

func (s *Store) ReplaceResult(_ context.Context, id uuid.UUID, result []byte) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	t.Result = result
	t.UpdatedAt = time.Now()
	return copyTask(t), nil
}

func (s *Store) BumpSubtaskSummary(_ context.Context, parentID uuid.UUID, from *store.TaskStatus, to store.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.tasks[parentID]
	if !ok {
		return store.ErrNotFound
	}
	if from != nil && *from == to {
		return nil
	}
	if p.SubtaskSummary == nil {
		p.SubtaskSummary = make(map[store.TaskStatus]int)
	}
	p.SubtaskSummary[to]++
	if from != nil {
		p.SubtaskSummary[*from]--
		if p.SubtaskSummary[*from] == 0 {
			delete(p.SubtaskSummary, *from)
		}
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListUserTasks(_ context.Context, p store.ListUserTasksParams) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	excluded := make(map[string]struct{}, len(p.ExcludeTypes))
	for _, t := range p.ExcludeTypes {
		excluded[t] = struct{}{}
	}

	var parents []*store.Task
	for _, t := range s.tasks {
		if t.UserID != p.UserID || t.ParentID != nil {
			continue
		}
		if p.Status != nil && t.Status != *p.Status {
			continue
		}
		if _, ok := excluded[t.Type]; ok {
			continue
		}
		parents = append(parents, t)
	}
	sort.Slice(parents, func(i, j int) bool {
		return parents[i].CreatedAt.After(parents[j].CreatedAt)
	})

	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(parents) {
		return []store.Task{}, nil
	}
	end := offset + limit
	if end > len(parents) {
		end = len(parents)
	}

	out := make([]store.Task, 0, end-offset)
	for _, t := range parents[offset:end] {
		out = append(out, *copyTask(t))
	}
	return out, nil
}

func (s *Store) ListChildren(_ context.Context, parentID uuid.UUID) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var children []*store.Task
	for _, t := range s.tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			children = append(children, t)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].CreatedAt.After(children[j].CreatedAt)
	})

	out := make([]store.Task, 0, len(children))
	for _, t := range children {
		out = append(out, *copyTask(t))
	}
	return out, nil
}

func copyTask(t *store.Task) *store.Task {
	c := *t
	if t.SubtaskSummary != nil {
		c.SubtaskSummary = make(map[store.TaskStatus]int, len(t.SubtaskSummary))
		for k, v := range t.SubtaskSummary {
			c.SubtaskSummary[k] = v
		}
	}
	return &c
}
