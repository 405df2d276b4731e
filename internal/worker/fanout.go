package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/task"
)

// GroupUnit is one child of a fan-out group.
type GroupUnit struct {
	Type       string
	Parameters json.RawMessage
}

// GroupResult is stored as the parent's result once every child settled.
type GroupResult struct {
	Total        int               `json:"total"`
	Completed    int               `json:"completed"`
	Failed       int               `json:"failed"`
	ChildResults []GroupChildEntry `json:"childResults"`
}

type GroupChildEntry struct {
	TaskID string          `json:"taskId"`
	Type   string          `json:"type"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Fanout runs a group of child tasks under a parent. Children are real task
// records, so their transitions roll up into the parent's subtask summary;
// group completion is detected from that summary alone, never by rescanning
// the children.
type Fanout struct {
	states   *task.StateMachine
	store    task.Store
	registry *Registry
	cfg      Config
	logger   *zap.Logger

	// PollInterval paces the wait on the parent summary.
	PollInterval time.Duration
}

func NewFanout(states *task.StateMachine, st task.Store, registry *Registry, cfg Config, logger *zap.Logger) *Fanout {
	return &Fanout{
		states:       states,
		store:        st,
		registry:     registry,
		cfg:          cfg,
		logger:       logger,
		PollInterval: 200 * time.Millisecond,
	}
}

// RunGroup submits the units as children of parent, executes them with at
// most limit in flight, waits until the parent summary accounts for every
// child in a terminal state, then completes the parent with the aggregated
// result. The parent is expected to be RUNNING (the caller holds its claim).
func (f *Fanout) RunGroup(ctx context.Context, parent *store.Task, units []GroupUnit, limit int) (*GroupResult, error) {
	if len(units) == 0 {
		return &GroupResult{}, nil
	}
	if limit <= 0 {
		limit = 4
	}

	children := make([]*store.Task, 0, len(units))
	for _, u := range units {
		child, err := f.states.Create(ctx, store.CreateTaskParams{
			UserID:     parent.UserID,
			Type:       u.Type,
			ParentID:   &parent.ID,
			Parameters: u.Parameters,
		})
		if err != nil {
			return nil, fmt.Errorf("create child task: %w", err)
		}
		children = append(children, child)
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, child := range children {
		wg.Add(1)
		sem <- struct{}{}
		go func(child *store.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			f.runChild(ctx, child)
		}(child)
	}
	wg.Wait()

	if err := f.waitForGroup(ctx, parent.ID, len(children)); err != nil {
		return nil, err
	}
	return f.aggregate(ctx, parent.ID)
}

// runChild executes one child attempt locally. Execution still goes through
// claim, so a child cancelled before it starts simply never runs.
func (f *Fanout) runChild(ctx context.Context, child *store.Task) {
	claimed, ok, err := f.states.Claim(ctx, child.ID, f.cfg.NodeID)
	if err != nil || !ok {
		if err != nil {
			f.logger.Warn("claim child failed", zap.String("task_id", child.ID.String()), zap.Error(err))
		}
		return
	}

	h, reg := f.registry.Get(claimed.Type)
	if !reg {
		_, _ = f.states.RecordFailure(ctx, claimed.ID,
			task.CaptureError(fmt.Errorf("no handler registered for type %q", claimed.Type)), false)
		return
	}

	result, runErr := h(ctx, claimed, func(ctx context.Context, progress json.RawMessage) error {
		return f.states.RecordProgress(ctx, claimed.ID, progress)
	})
	if runErr != nil {
		// children run once; their failures end at FAILED, never DEAD_LETTER
		_, _ = f.states.RecordFailure(ctx, claimed.ID, task.CaptureError(runErr), false)
		return
	}
	if _, err := f.states.RecordCompletion(ctx, claimed.ID, result); err != nil {
		f.logger.Warn("record child completion failed",
			zap.String("task_id", claimed.ID.String()),
			zap.Error(err),
		)
	}
}

// waitForGroup polls the parent record until its summary shows total
// terminal children (completed, failed, dead-lettered, cancelled).
func (f *Fanout) waitForGroup(ctx context.Context, parentID uuid.UUID, total int) error {
	ticker := time.NewTicker(f.PollInterval)
	defer ticker.Stop()

	for {
		parent, err := f.states.Get(ctx, parentID)
		if err != nil {
			return err
		}

		settled := 0
		for status, n := range parent.SubtaskSummary {
			if status.IsTerminal() || status == store.StatusFailed {
				settled += n
			}
		}
		if settled >= total {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Fanout) aggregate(ctx context.Context, parentID uuid.UUID) (*GroupResult, error) {
	children, err := f.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}

	out := &GroupResult{Total: len(children)}
	for _, c := range children {
		entry := GroupChildEntry{
			TaskID: c.ID.String(),
			Type:   c.Type,
			Status: string(c.Status),
		}
		switch c.Status {
		case store.StatusCompleted:
			out.Completed++
			entry.Result = c.Result
		case store.StatusFailed, store.StatusDeadLetter:
			out.Failed++
		}
		out.ChildResults = append(out.ChildResults, entry)
	}
	return out, nil
}
