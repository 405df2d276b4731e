// Package worker runs claimed tasks: it turns dispatch messages into state
// machine transitions and handler invocations, with retry and dead-letter
// policy applied per attempt.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/observability"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/queue"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/task"
)

// Action tells the dispatch loop what to do with the transport message
// after an attempt.
type Action int

const (
	// ActionAck removes the message; the task reached a decision.
	ActionAck Action = iota
	// ActionRetry redelivers the message after a backoff.
	ActionRetry
)

type Config struct {
	NodeID      string
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Runner processes one dispatch message at a time. Claiming through the
// state machine is the only mutual exclusion: a claim conflict means another
// node owns the attempt and the message is simply acked.
type Runner struct {
	states   *task.StateMachine
	registry *Registry
	queue    *queue.Queue
	cfg      Config
	logger   *zap.Logger
}

func NewRunner(states *task.StateMachine, registry *Registry, q *queue.Queue, cfg Config, logger *zap.Logger) *Runner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	return &Runner{states: states, registry: registry, queue: q, cfg: cfg, logger: logger}
}

// HandleMsg processes a single dispatch message and returns the transport
// action plus the attempt number for backoff computation.
func (r *Runner) HandleMsg(ctx context.Context, m *nats.Msg) (Action, int) {
	if m.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, observability.NATSHeaderCarrier{H: m.Header})
	}
	tr := otel.Tracer("taskledger/worker")
	ctx, span := tr.Start(ctx, "taskledger.handle_msg")
	defer span.End()

	attempt := 1
	if md, err := m.Metadata(); err == nil && md != nil && md.NumDelivered > 0 {
		attempt = int(md.NumDelivered)
	}

	var tm queue.TaskMessage
	if err := json.Unmarshal(m.Data, &tm); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad_message")
		return ActionAck, attempt
	}

	taskID, err := uuid.Parse(tm.TaskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad_task_id")
		return ActionAck, attempt
	}

	span.SetAttributes(
		attribute.String("messaging.subject", m.Subject),
		attribute.String("task.id", taskID.String()),
		attribute.Int("task.attempt", attempt),
	)

	t, claimed, err := r.states.Claim(ctx, taskID, r.cfg.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ActionAck, attempt
		}
		r.logger.Warn("claim failed", zap.String("task_id", taskID.String()), zap.Error(err))
		return ActionRetry, attempt
	}
	if !claimed {
		// terminal, cancelled, or already running on another node
		return ActionAck, attempt
	}

	h, ok := r.registry.Get(t.Type)
	if !ok {
		r.failTask(ctx, t, attempt, Permanent(fmt.Errorf("no handler registered for type %q", t.Type)), m)
		return ActionAck, attempt
	}

	observability.TasksStartedTotal.WithLabelValues(t.Type).Inc()
	start := time.Now()
	result, runErr := h(ctx, t, r.progressFunc(taskID))
	observability.TaskDuration.WithLabelValues(t.Type).Observe(time.Since(start).Seconds())

	if runErr == nil {
		if _, err := r.states.RecordCompletion(ctx, taskID, result); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// cancelled while running; the result is discarded
				r.logger.Info("completion discarded, task no longer running",
					zap.String("task_id", taskID.String()),
					zap.String("type", t.Type),
				)
				return ActionAck, attempt
			}
			r.logger.Error("record completion failed", zap.String("task_id", taskID.String()), zap.Error(err))
			return ActionRetry, attempt
		}

		observability.TasksCompletedTotal.WithLabelValues(t.Type).Inc()
		r.logger.Info("task processed",
			zap.String("task_id", taskID.String()),
			zap.Int("attempt", attempt),
			zap.String("type", t.Type),
		)
		return ActionAck, attempt
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	if IsPermanent(runErr) || t.RetryCount >= r.cfg.MaxRetries {
		r.failTask(ctx, t, attempt, runErr, m)
		return ActionAck, attempt
	}

	// transient failure under budget: schedule a retry
	delay := Backoff(r.cfg.BackoffBase, r.cfg.BackoffMax, t.RetryCount+1)
	if _, err := r.states.RecordRetry(ctx, taskID, task.CaptureError(runErr), time.Now().Add(delay)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ActionAck, attempt
		}
		r.logger.Error("record retry failed", zap.String("task_id", taskID.String()), zap.Error(err))
	}

	observability.TasksRetriedTotal.WithLabelValues(t.Type).Inc()
	r.logger.Warn("task failed, will retry",
		zap.String("task_id", taskID.String()),
		zap.Int("attempt", attempt),
		zap.String("type", t.Type),
		zap.String("error", runErr.Error()),
	)
	return ActionRetry, attempt
}

func (r *Runner) progressFunc(id uuid.UUID) ProgressFunc {
	return func(ctx context.Context, progress json.RawMessage) error {
		return r.states.RecordProgress(ctx, id, progress)
	}
}

// failTask records a terminal failure. Only an exhausted retry budget
// dead-letters: a permanent error with budget left ends at FAILED, with no
// DLQ mirror.
func (r *Runner) failTask(ctx context.Context, t *store.Task, attempt int, cause error, m *nats.Msg) {
	deadLetter := t.RetryCount >= r.cfg.MaxRetries
	reason := "retries_exhausted"
	if IsPermanent(cause) {
		reason = "permanent"
	}
	observability.TasksFailedTotal.WithLabelValues(t.Type, reason).Inc()

	if _, err := r.states.RecordFailure(ctx, t.ID, task.CaptureError(cause), deadLetter); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			r.logger.Error("record failure failed", zap.String("task_id", t.ID.String()), zap.Error(err))
		}
		return
	}

	if !deadLetter {
		r.logger.Error("task failed",
			zap.String("task_id", t.ID.String()),
			zap.Int("attempt", attempt),
			zap.String("type", t.Type),
			zap.String("error", cause.Error()),
		)
		return
	}
	observability.TasksDeadLetteredTotal.WithLabelValues(t.Type).Inc()

	r.publishDLQBestEffort(ctx, t, attempt, cause, m)
	r.logger.Error("task dead-lettered",
		zap.String("task_id", t.ID.String()),
		zap.Int("attempt", attempt),
		zap.String("type", t.Type),
		zap.String("error", cause.Error()),
	)
}

func (r *Runner) publishDLQBestEffort(ctx context.Context, t *store.Task, attempt int, cause error, m *nats.Msg) {
	if r.queue == nil || t == nil || cause == nil || m == nil {
		return
	}

	dlq := queue.DLQMessage{
		TaskID:       t.ID.String(),
		TaskType:     t.Type,
		UserID:       t.UserID,
		Attempt:      attempt,
		Error:        cause.Error(),
		OriginalSubj: m.Subject,
		OriginalData: m.Data,
		FailedAt:     time.Now(),
	}
	if err := r.queue.PublishDLQ(ctx, dlq); err != nil {
		r.logger.Error("failed to publish DLQ message", zap.Error(err), zap.String("task_id", t.ID.String()))
	}
}

// Backoff grows exponentially from base, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
