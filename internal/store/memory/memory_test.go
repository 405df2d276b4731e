package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

func mustCreate(t *testing.T, s *Store, p store.CreateTaskParams) *store.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestCreateTask_NilParametersDefaultsToEmptyObject(t *testing.T) {
	s := New()
	task := mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "TEXT_GENERATION"})
	if string(task.Parameters) != "{}" {
		t.Fatalf("expected empty-object parameters, got %q", task.Parameters)
	}
}

func TestClaimTask_ExactlyOneWinner(t *testing.T) {
	s := New()
	task := mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "TEXT_GENERATION"})

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan string, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			nodeID := "node-" + string(rune('a'+n))
			if _, _, err := s.ClaimTask(context.Background(), task.ID, nodeID); err == nil {
				wins <- nodeID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", len(winners))
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if got.ExecNodeID != winners[0] {
		t.Fatalf("expected node %s recorded, got %s", winners[0], got.ExecNodeID)
	}
}

func TestClaimTask_PrevStatusReported(t *testing.T) {
	s := New()
	task := mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "TEXT_GENERATION"})

	_, prev, err := s.ClaimTask(context.Background(), task.ID, "n1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if prev != store.StatusQueued {
		t.Fatalf("expected prev queued, got %s", prev)
	}

	if _, _, err := s.RetryTask(context.Background(), task.ID, nil, time.Now()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	_, prev, err = s.ClaimTask(context.Background(), task.ID, "n2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if prev != store.StatusRetrying {
		t.Fatalf("expected prev retrying, got %s", prev)
	}
}

func TestCompleteTask_OnlyFromRunning(t *testing.T) {
	s := New()
	task := mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "TEXT_GENERATION"})

	if _, _, err := s.CompleteTask(context.Background(), task.ID, nil); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict completing queued task, got %v", err)
	}

	if _, _, err := s.ClaimTask(context.Background(), task.ID, "n1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := s.CompleteTask(context.Background(), task.ID, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// second completion must fail: the task already left RUNNING
	if _, _, err := s.CompleteTask(context.Background(), task.ID, nil); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on double completion, got %v", err)
	}
}

func TestCancelThenComplete_ResultDiscarded(t *testing.T) {
	s := New()
	task := mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "TEXT_GENERATION"})

	if _, _, err := s.ClaimTask(context.Background(), task.ID, "n1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := s.CancelTask(context.Background(), task.ID, "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, _, err := s.CompleteTask(context.Background(), task.ID, []byte(`{"late":true}`)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict completing cancelled task, got %v", err)
	}

	got, _ := s.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.Result != nil {
		t.Fatalf("expected no result on cancelled task")
	}
}

func TestCancelTask_Scoping(t *testing.T) {
	s := New()
	task := mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "TEXT_GENERATION"})

	if _, _, err := s.CancelTask(context.Background(), task.ID, "intruder"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for foreign user, got %v", err)
	}
	if _, _, err := s.CancelTask(context.Background(), task.ID, "u1"); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	// already terminal
	if _, _, err := s.CancelTask(context.Background(), task.ID, "u1"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict cancelling twice, got %v", err)
	}
}

func TestBumpSubtaskSummary_CountsSumToChildren(t *testing.T) {
	s := New()
	ctx := context.Background()
	parent := mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "BATCH_GENERATE_SUMMARY"})

	queued := store.StatusQueued
	running := store.StatusRunning

	for i := 0; i < 3; i++ {
		if err := s.BumpSubtaskSummary(ctx, parent.ID, nil, store.StatusQueued); err != nil {
			t.Fatalf("register child: %v", err)
		}
	}
	// one child starts, then completes
	if err := s.BumpSubtaskSummary(ctx, parent.ID, &queued, store.StatusRunning); err != nil {
		t.Fatalf("queued->running: %v", err)
	}
	if err := s.BumpSubtaskSummary(ctx, parent.ID, &running, store.StatusCompleted); err != nil {
		t.Fatalf("running->completed: %v", err)
	}
	// another child fails straight from queued
	if err := s.BumpSubtaskSummary(ctx, parent.ID, &queued, store.StatusDeadLetter); err != nil {
		t.Fatalf("queued->dead_letter: %v", err)
	}

	got, _ := s.GetTask(ctx, parent.ID)
	total := 0
	for _, n := range got.SubtaskSummary {
		total += n
	}
	if total != 3 {
		t.Fatalf("summary must sum to 3 children, got %d (%v)", total, got.SubtaskSummary)
	}
	if got.SubtaskSummary[store.StatusQueued] != 1 ||
		got.SubtaskSummary[store.StatusCompleted] != 1 ||
		got.SubtaskSummary[store.StatusDeadLetter] != 1 {
		t.Fatalf("unexpected summary %v", got.SubtaskSummary)
	}

	// same-status transition is a no-op
	if err := s.BumpSubtaskSummary(ctx, parent.ID, &queued, store.StatusQueued); err != nil {
		t.Fatalf("noop bump: %v", err)
	}
	got, _ = s.GetTask(ctx, parent.ID)
	if got.SubtaskSummary[store.StatusQueued] != 1 {
		t.Fatalf("noop bump changed counts: %v", got.SubtaskSummary)
	}
}

func TestListUserTasks_FiltersAndOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "TEXT_GENERATION"})
	time.Sleep(time.Millisecond)
	second := mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "TEXT_GENERATION"})
	mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "GENERATE_SUMMARY"})
	mustCreate(t, s, store.CreateTaskParams{UserID: "other", Type: "TEXT_GENERATION"})

	// child tasks never show at top level
	mustCreate(t, s, store.CreateTaskParams{UserID: "u1", Type: "TEXT_GENERATION", ParentID: &first.ID})

	items, err := s.ListUserTasks(ctx, store.ListUserTasksParams{
		UserID:       "u1",
		ExcludeTypes: []string{"GENERATE_SUMMARY"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(items))
	}
	if items[0].ID != second.ID || items[1].ID != first.ID {
		t.Fatalf("expected newest first ordering")
	}

	queued := store.StatusQueued
	items, err = s.ListUserTasks(ctx, store.ListUserTasksParams{UserID: "u1", Status: &queued, Limit: 1})
	if err != nil {
		t.Fatalf("list with status: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected limit 1 respected, got %d", len(items))
	}
}
