package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/observability"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

const (
	SubjectDispatch = "tasks.dispatch"
	SubjectDLQ      = "tasks.dlq"
)

type Config struct {
	NATSURL      string
	StreamName   string
	ConsumerName string
	AckWait      time.Duration
	MaxDeliver   int
}

type Queue struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
}

type TaskMessage struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	UserID   string `json:"user_id"`
}

type DLQMessage struct {
	TaskID       string    `json:"task_id"`
	TaskType     string    `json:"task_type"`
	UserID       string    `json:"user_id"`
	Attempt      int       `json:"attempt"`
	Error        string    `json:"error"`
	OriginalSubj string    `json:"original_subject"`
	OriginalData []byte    `json:"original_data"`
	FailedAt     time.Time `json:"failed_at"`
}

func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = 5
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	q := &Queue{nc: nc, js: js, cfg: cfg}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}

// Conn exposes the underlying connection so other components (the event
// bridge) can share it.
func (q *Queue) Conn() *nats.Conn { return q.nc }

func (q *Queue) ensureStream(ctx context.Context) error {
	desired := []string{SubjectDispatch, SubjectDLQ}

	// If stream exists: merge subjects safely and update only if needed.
	if info, err := q.js.StreamInfo(q.cfg.StreamName); err == nil && info != nil {
		existing := info.Config.Subjects
		merged, changed := mergeSubjects(existing, desired)
		if !changed {
			return nil
		}

		sc := info.Config
		sc.Subjects = merged
		sc.Name = q.cfg.StreamName

		if _, err := q.js.UpdateStream(&sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		return nil
	}

	sc := &nats.StreamConfig{
		Name:      q.cfg.StreamName,
		Subjects:  desired,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}
	if _, err := q.js.AddStream(sc); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

func mergeSubjects(existing, desired []string) ([]string, bool) {
	set := make(map[string]struct{}, len(existing)+len(desired))
	out := make([]string, 0, len(existing)+len(desired))

	// keep existing order
	for _, s := range existing {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}

	changed := false
	for _, s := range desired {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
		changed = true
	}

	return out, changed
}

func (q *Queue) PublishTask(ctx context.Context, msg TaskMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	hdr := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, observability.NATSHeaderCarrier{H: hdr})
	hdr.Set("task_id", msg.TaskID)

	_, err = q.js.PublishMsg(&nats.Msg{Subject: SubjectDispatch, Data: b, Header: hdr})
	return err
}

// Dispatch satisfies the task service's dispatcher contract.
func (q *Queue) Dispatch(ctx context.Context, t *store.Task) error {
	return q.PublishTask(ctx, TaskMessage{
		TaskID:   t.ID.String(),
		TaskType: t.Type,
		UserID:   t.UserID,
	})
}

func (q *Queue) JetStream() nats.JetStreamContext {
	return q.js
}

func (q *Queue) PublishDLQ(ctx context.Context, msg DLQMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	hdr := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, observability.NATSHeaderCarrier{H: hdr})
	hdr.Set("task_id", msg.TaskID)

	_, err = q.js.PublishMsg(&nats.Msg{Subject: SubjectDLQ, Data: b, Header: hdr})
	return err
}
