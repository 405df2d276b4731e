package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store/memory"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/task"
)

type fanoutFixture struct {
	store    *memory.Store
	states   *task.StateMachine
	registry *Registry
	fanout   *Fanout
}

func newFanoutFixture(t *testing.T) *fanoutFixture {
	t.Helper()
	st := memory.New()
	states := task.NewStateMachine(st, nil, zap.NewNop())
	reg := NewRegistry()
	f := NewFanout(states, st, reg, Config{NodeID: "worker-test"}, zap.NewNop())
	f.PollInterval = 5 * time.Millisecond
	return &fanoutFixture{store: st, states: states, registry: reg, fanout: f}
}

// claimedParent creates a parent task and claims it, as the dispatch path
// would before a group handler runs.
func (f *fanoutFixture) claimedParent(t *testing.T) *store.Task {
	t.Helper()
	ctx := context.Background()
	parent, err := f.states.Create(ctx, store.CreateTaskParams{
		UserID:     "u1",
		Type:       "GROUP",
		Parameters: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	claimed, ok, err := f.states.Claim(ctx, parent.ID, "worker-test")
	if err != nil || !ok {
		t.Fatalf("claim parent: ok=%v err=%v", ok, err)
	}
	return claimed
}

func TestRunGroup_AggregatesMixedOutcomes(t *testing.T) {
	f := newFanoutFixture(t)
	ctx := context.Background()

	f.registry.Register("CHILD_OK", func(ctx context.Context, tk *store.Task, _ ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil
	})
	f.registry.Register("CHILD_FAIL", func(ctx context.Context, tk *store.Task, _ ProgressFunc) (json.RawMessage, error) {
		return nil, Permanent(errors.New("child exploded"))
	})

	parent := f.claimedParent(t)
	res, err := f.fanout.RunGroup(ctx, parent, []GroupUnit{
		{Type: "CHILD_OK", Parameters: json.RawMessage(`{"n":1}`)},
		{Type: "CHILD_FAIL", Parameters: json.RawMessage(`{"n":2}`)},
		{Type: "CHILD_OK", Parameters: json.RawMessage(`{"n":3}`)},
	}, 2)
	if err != nil {
		t.Fatalf("run group: %v", err)
	}

	if res.Total != 3 || res.Completed != 2 || res.Failed != 1 {
		t.Fatalf("unexpected aggregate: %+v", res)
	}
	if len(res.ChildResults) != 3 {
		t.Fatalf("expected 3 child entries, got %d", len(res.ChildResults))
	}
	for _, c := range res.ChildResults {
		if c.Type == "CHILD_OK" && !strings.Contains(string(c.Result), "done") {
			t.Fatalf("completed child missing result: %+v", c)
		}
	}

	got, _ := f.store.GetTask(ctx, parent.ID)
	total := 0
	for _, n := range got.SubtaskSummary {
		total += n
	}
	if total != 3 {
		t.Fatalf("parent summary must account for every child, got %v", got.SubtaskSummary)
	}
	if got.SubtaskSummary[store.StatusCompleted] != 2 || got.SubtaskSummary[store.StatusFailed] != 1 {
		t.Fatalf("unexpected summary %v", got.SubtaskSummary)
	}
}

func TestRunGroup_EmptyGroup(t *testing.T) {
	f := newFanoutFixture(t)
	parent := f.claimedParent(t)

	res, err := f.fanout.RunGroup(context.Background(), parent, nil, 2)
	if err != nil {
		t.Fatalf("run group: %v", err)
	}
	if res.Total != 0 || len(res.ChildResults) != 0 {
		t.Fatalf("expected empty aggregate, got %+v", res)
	}
}

func TestRunGroup_BoundsConcurrency(t *testing.T) {
	f := newFanoutFixture(t)
	ctx := context.Background()

	var inflight, peak atomic.Int64
	f.registry.Register("CHILD_SLOW", func(ctx context.Context, tk *store.Task, _ ProgressFunc) (json.RawMessage, error) {
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return json.RawMessage(`{}`), nil
	})

	units := make([]GroupUnit, 6)
	for i := range units {
		units[i] = GroupUnit{Type: "CHILD_SLOW", Parameters: json.RawMessage(`{}`)}
	}

	parent := f.claimedParent(t)
	res, err := f.fanout.RunGroup(ctx, parent, units, 2)
	if err != nil {
		t.Fatalf("run group: %v", err)
	}
	if res.Completed != 6 {
		t.Fatalf("expected 6 completions, got %+v", res)
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("expected at most 2 children in flight, saw %d", got)
	}
}

func TestRunGroup_UnregisteredChildTypeFails(t *testing.T) {
	f := newFanoutFixture(t)
	parent := f.claimedParent(t)

	res, err := f.fanout.RunGroup(context.Background(), parent, []GroupUnit{
		{Type: "GHOST", Parameters: json.RawMessage(`{}`)},
	}, 1)
	if err != nil {
		t.Fatalf("run group: %v", err)
	}
	if res.Failed != 1 || res.Completed != 0 {
		t.Fatalf("unregistered child must count as failed, got %+v", res)
	}
}
