package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/queue"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store/memory"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/task"
)

type runnerFixture struct {
	store    *memory.Store
	states   *task.StateMachine
	registry *Registry
	runner   *Runner
}

func newRunnerFixture(t *testing.T, cfg Config) *runnerFixture {
	t.Helper()
	st := memory.New()
	states := task.NewStateMachine(st, nil, zap.NewNop())
	reg := NewRegistry()
	if cfg.NodeID == "" {
		cfg.NodeID = "worker-test"
	}
	return &runnerFixture{
		store:    st,
		states:   states,
		registry: reg,
		runner:   NewRunner(states, reg, nil, cfg, zap.NewNop()),
	}
}

func (f *runnerFixture) submit(t *testing.T, taskType string) *store.Task {
	t.Helper()
	created, err := f.states.Create(context.Background(), store.CreateTaskParams{
		UserID:     "u1",
		Type:       taskType,
		Parameters: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func dispatchMsg(t *testing.T, tk *store.Task) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(queue.TaskMessage{TaskID: tk.ID.String(), TaskType: tk.Type, UserID: tk.UserID})
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return &nats.Msg{Subject: queue.SubjectDispatch, Data: data}
}

func TestHandleMsg_SuccessCompletesTask(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	f.registry.Register("ECHO", func(ctx context.Context, tk *store.Task, progress ProgressFunc) (json.RawMessage, error) {
		if err := progress(ctx, json.RawMessage(`{"percent":50}`)); err != nil {
			t.Fatalf("progress: %v", err)
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	created := f.submit(t, "ECHO")
	action, _ := f.runner.HandleMsg(context.Background(), dispatchMsg(t, created))
	if action != ActionAck {
		t.Fatalf("expected ack, got %v", action)
	}

	got, err := f.store.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Fatalf("unexpected result %s", got.Result)
	}
}

func TestHandleMsg_PermanentErrorFailsWithoutDeadLetter(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	f.registry.Register("BOOM", func(ctx context.Context, tk *store.Task, _ ProgressFunc) (json.RawMessage, error) {
		return nil, Permanent(errors.New("bad input"))
	})

	created := f.submit(t, "BOOM")
	action, _ := f.runner.HandleMsg(context.Background(), dispatchMsg(t, created))
	if action != ActionAck {
		t.Fatalf("expected ack, got %v", action)
	}

	// first attempt, budget untouched: FAILED, not DEAD_LETTER
	got, _ := f.store.GetTask(context.Background(), created.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorInfo == nil {
		t.Fatalf("expected captured error info")
	}
}

func TestHandleMsg_TransientErrorSchedulesRetry(t *testing.T) {
	f := newRunnerFixture(t, Config{MaxRetries: 3})
	f.registry.Register("FLAKY", func(ctx context.Context, tk *store.Task, _ ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("upstream timeout")
	})

	created := f.submit(t, "FLAKY")
	action, _ := f.runner.HandleMsg(context.Background(), dispatchMsg(t, created))
	if action != ActionRetry {
		t.Fatalf("expected retry, got %v", action)
	}

	got, _ := f.store.GetTask(context.Background(), created.ID)
	if got.Status != store.StatusRetrying {
		t.Fatalf("expected retrying, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", got.RetryCount)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.After(time.Now()) {
		t.Fatalf("expected a future next attempt time, got %v", got.NextAttemptAt)
	}
}

func TestHandleMsg_RetriesExhaustedDeadLetters(t *testing.T) {
	f := newRunnerFixture(t, Config{MaxRetries: 1, BackoffBase: time.Millisecond})
	f.registry.Register("FLAKY", func(ctx context.Context, tk *store.Task, _ ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("upstream timeout")
	})

	created := f.submit(t, "FLAKY")
	msg := dispatchMsg(t, created)

	if action, _ := f.runner.HandleMsg(context.Background(), msg); action != ActionRetry {
		t.Fatalf("first attempt should retry")
	}
	if action, _ := f.runner.HandleMsg(context.Background(), msg); action != ActionAck {
		t.Fatalf("second attempt should ack after exhausting the budget")
	}

	got, _ := f.store.GetTask(context.Background(), created.ID)
	if got.Status != store.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", got.Status)
	}
}

func TestHandleMsg_ClaimConflictAcksWithoutRunning(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	called := false
	f.registry.Register("ECHO", func(ctx context.Context, tk *store.Task, _ ProgressFunc) (json.RawMessage, error) {
		called = true
		return nil, nil
	})

	created := f.submit(t, "ECHO")
	if _, ok, err := f.states.Claim(context.Background(), created.ID, "other-node"); err != nil || !ok {
		t.Fatalf("pre-claim: ok=%v err=%v", ok, err)
	}

	action, _ := f.runner.HandleMsg(context.Background(), dispatchMsg(t, created))
	if action != ActionAck {
		t.Fatalf("expected ack on claim conflict, got %v", action)
	}
	if called {
		t.Fatalf("handler must not run without the claim")
	}
}

func TestHandleMsg_UnknownTaskAcks(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	data, _ := json.Marshal(queue.TaskMessage{TaskID: uuid.NewString(), TaskType: "ECHO", UserID: "u1"})
	action, _ := f.runner.HandleMsg(context.Background(), &nats.Msg{Subject: queue.SubjectDispatch, Data: data})
	if action != ActionAck {
		t.Fatalf("expected ack for unknown task, got %v", action)
	}
}

func TestHandleMsg_MalformedMessageAcks(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	action, _ := f.runner.HandleMsg(context.Background(), &nats.Msg{Subject: queue.SubjectDispatch, Data: []byte("not json")})
	if action != ActionAck {
		t.Fatalf("expected ack for malformed message, got %v", action)
	}
}

func TestHandleMsg_UnregisteredTypeFails(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	created := f.submit(t, "NOBODY_HOME")

	action, _ := f.runner.HandleMsg(context.Background(), dispatchMsg(t, created))
	if action != ActionAck {
		t.Fatalf("expected ack, got %v", action)
	}
	got, _ := f.store.GetTask(context.Background(), created.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("expected failed for unknown type, got %s", got.Status)
	}
}

func TestHandleMsg_CancelledMidRunDiscardsResult(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	f.registry.Register("SLOW", func(ctx context.Context, tk *store.Task, _ ProgressFunc) (json.RawMessage, error) {
		// user cancels while the handler is still running
		if _, err := f.states.Cancel(ctx, tk.ID, tk.UserID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		return json.RawMessage(`{"late":true}`), nil
	})

	created := f.submit(t, "SLOW")
	action, _ := f.runner.HandleMsg(context.Background(), dispatchMsg(t, created))
	if action != ActionAck {
		t.Fatalf("expected ack, got %v", action)
	}

	got, _ := f.store.GetTask(context.Background(), created.ID)
	if got.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.Result != nil {
		t.Fatalf("late result must be discarded, got %s", got.Result)
	}
}

func TestBackoff_GrowthAndCap(t *testing.T) {
	base, max := time.Second, 10*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(base, max, c.attempt); got != c.want {
			t.Fatalf("attempt %d: expected %v, got %v", c.attempt, c.want, got)
		}
	}
}
