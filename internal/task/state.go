// Package task owns the task lifecycle: the state machine that performs
// every status transition as one conditional store operation, and the
// submission/query service in front of it.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/events"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

// StateMachine drives all task status transitions. Mutual exclusion between
// competing workers is the store's conditional update and nothing else:
// a failed predicate surfaces as store.ErrConflict and callers treat it as a
// normal no-op signal. Event emission follows each successful write and is
// best-effort; it never blocks or rolls back a transition.
type StateMachine struct {
	store  Store
	broker *events.Broker
	logger *zap.Logger
}

func NewStateMachine(st Store, broker *events.Broker, logger *zap.Logger) *StateMachine {
	return &StateMachine{store: st, broker: broker, logger: logger}
}

// Create persists a new QUEUED task, registers it under its parent's summary
// and emits SUBMITTED.
func (m *StateMachine) Create(ctx context.Context, p store.CreateTaskParams) (*store.Task, error) {
	t, err := m.store.CreateTask(ctx, p)
	if err != nil {
		return nil, err
	}

	if t.ParentID != nil {
		// child enters the parent's summary at queued; no prior status
		if err := m.store.BumpSubtaskSummary(ctx, *t.ParentID, nil, store.StatusQueued); err != nil {
			m.logger.Error("register child under parent summary failed",
				zap.String("task_id", t.ID.String()),
				zap.String("parent_id", t.ParentID.String()),
				zap.Error(err),
			)
		}
	}

	m.publish(ctx, events.TypeSubmitted, t, nil)
	return t, nil
}

// Claim atomically transitions queued|retrying -> running for workerID.
// ok=false means another worker already claimed the task or it is not
// claimable; that is the sole mutual-exclusion mechanism.
func (m *StateMachine) Claim(ctx context.Context, id uuid.UUID, workerID string) (*store.Task, bool, error) {
	t, prev, err := m.store.ClaimTask(ctx, id, workerID)
	if errors.Is(err, store.ErrConflict) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	m.bumpParent(ctx, t, prev)
	m.publish(ctx, events.TypeStarted, t, map[string]any{"executionNodeId": workerID})
	return t, true, nil
}

// RecordProgress updates the progress payload while the task is RUNNING.
// Stale progress from a superseded attempt is silently dropped.
func (m *StateMachine) RecordProgress(ctx context.Context, id uuid.UUID, data json.RawMessage) error {
	applied, err := m.store.SetProgress(ctx, id, data)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil
	}
	m.publish(ctx, events.TypeProgress, t, map[string]any{"progress": data})
	return nil
}

// RecordCompletion transitions RUNNING -> COMPLETED, stores the result and
// updates the parent's summary counters. A task that already left RUNNING
// (cancelled, superseded) fails the predicate and the result is discarded.
func (m *StateMachine) RecordCompletion(ctx context.Context, id uuid.UUID, result json.RawMessage) (*store.Task, error) {
	t, prev, err := m.store.CompleteTask(ctx, id, result)
	if err != nil {
		return nil, err
	}

	m.bumpParent(ctx, t, prev)
	m.publish(ctx, events.TypeCompleted, t, map[string]any{"result": result})
	return t, nil
}

// RecordFailure moves the task to FAILED, or DEAD_LETTER once the retry
// budget is exhausted. Terminal tasks are left untouched (ErrConflict).
func (m *StateMachine) RecordFailure(ctx context.Context, id uuid.UUID, errInfo *store.ErrorInfo, deadLetter bool) (*store.Task, error) {
	t, prev, err := m.store.FailTask(ctx, id, errInfo, deadLetter)
	if err != nil {
		return nil, err
	}

	m.bumpParent(ctx, t, prev)
	m.publish(ctx, events.TypeFailed, t, map[string]any{
		"error":      errInfo,
		"deadLetter": deadLetter,
	})
	return t, nil
}

// RecordRetry transitions RUNNING -> RETRYING, increments the retry counter
// and notes when the next attempt may run. Re-queueing at that time is the
// transport's job.
func (m *StateMachine) RecordRetry(ctx context.Context, id uuid.UUID, errInfo *store.ErrorInfo, nextAttemptAt time.Time) (*store.Task, error) {
	t, prev, err := m.store.RetryTask(ctx, id, errInfo, nextAttemptAt)
	if err != nil {
		return nil, err
	}

	m.bumpParent(ctx, t, prev)
	return t, nil
}

// Cancel conditionally transitions queued|running|retrying -> cancelled,
// scoped to the owning user. Returns whether a transition occurred; an
// already-terminal task is a harmless no-op. Cancellation is cooperative:
// in-flight work is not interrupted, its eventual terminal call just fails
// the RUNNING predicate.
func (m *StateMachine) Cancel(ctx context.Context, id uuid.UUID, userID string) (bool, error) {
	t, prev, err := m.store.CancelTask(ctx, id, userID)
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.bumpParent(ctx, t, prev)
	m.publish(ctx, events.TypeCancelled, t, nil)
	return true, nil
}

// UpdateResultAfterCompletion replaces the stored result without changing
// status and re-emits COMPLETED so subscribers converge on the enriched
// result.
func (m *StateMachine) UpdateResultAfterCompletion(ctx context.Context, id uuid.UUID, result json.RawMessage) (*store.Task, error) {
	t, err := m.store.ReplaceResult(ctx, id, result)
	if err != nil {
		return nil, err
	}

	// The original COMPLETED for this task likely landed inside the de-dup
	// window; a plain publish would be suppressed and subscribers would keep
	// the pre-enrichment result.
	if m.broker != nil {
		m.broker.Republish(ctx, m.event(events.TypeCompleted, t, map[string]any{"result": result}))
	}
	return t, nil
}

func (m *StateMachine) Get(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	return m.store.GetTask(ctx, id)
}

func (m *StateMachine) bumpParent(ctx context.Context, t *store.Task, prev store.TaskStatus) {
	if t.ParentID == nil {
		return
	}
	from := prev
	if err := m.store.BumpSubtaskSummary(ctx, *t.ParentID, &from, t.Status); err != nil {
		m.logger.Error("update parent summary failed",
			zap.String("task_id", t.ID.String()),
			zap.String("parent_id", t.ParentID.String()),
			zap.String("from", string(prev)),
			zap.String("to", string(t.Status)),
			zap.Error(err),
		)
	}
}

func (m *StateMachine) publish(ctx context.Context, typ events.Type, t *store.Task, payload map[string]any) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(ctx, m.event(typ, t, payload))
}

func (m *StateMachine) event(typ events.Type, t *store.Task, payload map[string]any) events.Event {
	ev := events.Event{
		Type:     typ,
		TaskID:   t.ID.String(),
		TaskType: t.Type,
		UserID:   t.UserID,
	}
	if t.ParentID != nil {
		ev.ParentTaskID = t.ParentID.String()
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			m.logger.Warn("marshal event payload failed",
				zap.String("type", string(typ)),
				zap.String("task_id", ev.TaskID),
				zap.Error(err),
			)
		} else {
			ev.Payload = b
		}
	}
	return ev
}

