package billing

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store/memory"
)

// flatEstimator prices every request and every usage at fixed amounts.
type flatEstimator struct {
	estimate int64
	cost     int64
}

func (f flatEstimator) Estimate(*Request) int64    { return f.estimate }
func (f flatEstimator) Cost(*Request, Usage) int64 { return f.cost }

func newLedger(t *testing.T, userID string, credits int64) *memory.Store {
	t.Helper()
	st := memory.New()
	if err := st.AddCredits(context.Background(), userID, credits); err != nil {
		t.Fatalf("seed credits: %v", err)
	}
	return st
}

func TestMetering_CommitsAtActualCost(t *testing.T) {
	st := newLedger(t, "u1", 100)
	ctx := context.Background()

	op := Chain(func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{Output: []byte(`"hi"`), Usage: &Usage{InputTokens: 5, OutputTokens: 10}}, nil
	}, Metering(st, flatEstimator{estimate: 40, cost: 15}, zap.NewNop()))

	req := &Request{UserID: "u1", Provider: "openai", Model: "gpt-test", Feature: "chat"}
	if _, err := op(ctx, req); err != nil {
		t.Fatalf("op: %v", err)
	}
	if req.BillingToken == "" {
		t.Fatalf("expected a minted billing token on the request")
	}

	bal, _ := st.Balance(ctx, "u1")
	if bal != 85 {
		t.Fatalf("expected balance 85 after commit at 15, got %d", bal)
	}

	r, err := st.GetReservation(ctx, req.BillingToken)
	if err != nil {
		t.Fatalf("reservation: %v", err)
	}
	if r.Status != store.ReservationCommitted {
		t.Fatalf("expected committed, got %s", r.Status)
	}
}

func TestMetering_InsufficientCreditsBlocksCall(t *testing.T) {
	st := newLedger(t, "u1", 10)
	ctx := context.Background()

	called := false
	op := Chain(func(ctx context.Context, req *Request) (*Result, error) {
		called = true
		return &Result{}, nil
	}, Metering(st, flatEstimator{estimate: 40, cost: 40}, zap.NewNop()))

	_, err := op(ctx, &Request{UserID: "u1", Provider: "openai", Model: "gpt-test"})
	be, ok := AsError(err)
	if !ok || be.Reason != ReasonInsufficientCredits {
		t.Fatalf("expected insufficient credits billing error, got %v", err)
	}
	if called {
		t.Fatalf("provider must not be called when the reserve fails")
	}
	if !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("cause must unwrap to store.ErrInsufficientCredits")
	}
}

func TestMetering_ReleasesOnProviderError(t *testing.T) {
	st := newLedger(t, "u1", 100)
	ctx := context.Background()

	provErr := errors.New("upstream exploded")
	op := Chain(func(ctx context.Context, req *Request) (*Result, error) {
		return nil, provErr
	}, Metering(st, flatEstimator{estimate: 40, cost: 40}, zap.NewNop()))

	req := &Request{UserID: "u1", Provider: "openai", Model: "gpt-test"}
	_, err := op(ctx, req)
	if !errors.Is(err, provErr) {
		t.Fatalf("provider error must pass through, got %v", err)
	}
	if _, ok := AsError(err); ok {
		t.Fatalf("provider failure is not a billing error")
	}

	bal, _ := st.Balance(ctx, "u1")
	if bal != 100 {
		t.Fatalf("expected full refund after release, got %d", bal)
	}
	r, _ := st.GetReservation(ctx, req.BillingToken)
	if r.Status != store.ReservationReleased {
		t.Fatalf("expected released, got %s", r.Status)
	}
}

func TestMetering_ExemptRequestSkipsLedger(t *testing.T) {
	st := newLedger(t, "u1", 0)
	ctx := context.Background()

	op := Chain(func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{}, nil
	}, Metering(st, flatEstimator{estimate: 40, cost: 40}, zap.NewNop()))

	req := &Request{UserID: "u1", Provider: "openai", Model: "gpt-test", SkipBilling: true}
	if _, err := op(ctx, req); err != nil {
		t.Fatalf("exempt call must go through with zero credits: %v", err)
	}
	if req.BillingToken != "" {
		t.Fatalf("exempt call must not mint a token")
	}
}

func TestMetering_TokenResolutionOrder(t *testing.T) {
	st := newLedger(t, "u1", 1000)
	ctx := context.Background()

	op := Chain(func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{}, nil
	}, Metering(st, flatEstimator{estimate: 10, cost: 10}, zap.NewNop()))

	// 1) explicit request token wins
	req := &Request{UserID: "u1", Model: "m", BillingToken: "explicit-token"}
	if _, err := op(ContextWithToken(ctx, "ctx-token"), req); err != nil {
		t.Fatalf("op: %v", err)
	}
	if req.BillingToken != "explicit-token" {
		t.Fatalf("request token must win, got %q", req.BillingToken)
	}

	// 2) context token next
	req = &Request{UserID: "u1", Model: "m"}
	if _, err := op(ContextWithToken(ctx, "ctx-token"), req); err != nil {
		t.Fatalf("op: %v", err)
	}
	if req.BillingToken != "ctx-token" {
		t.Fatalf("context token expected, got %q", req.BillingToken)
	}

	// 3) otherwise minted and written back
	req = &Request{UserID: "u1", Model: "m"}
	if _, err := op(ctx, req); err != nil {
		t.Fatalf("op: %v", err)
	}
	if req.BillingToken == "" || req.BillingToken == "ctx-token" {
		t.Fatalf("expected fresh minted token, got %q", req.BillingToken)
	}
}

func TestMetering_DuplicateTokenSettlesOnce(t *testing.T) {
	st := newLedger(t, "u1", 100)
	ctx := context.Background()

	op := Chain(func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{Usage: &Usage{OutputTokens: 1}}, nil
	}, Metering(st, flatEstimator{estimate: 40, cost: 30}, zap.NewNop()))

	// a retried attempt reuses the same token; the ledger only settles once
	for i := 0; i < 2; i++ {
		req := &Request{UserID: "u1", Model: "m", BillingToken: "retry-token"}
		if _, err := op(ctx, req); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	bal, _ := st.Balance(ctx, "u1")
	if bal != 70 {
		t.Fatalf("expected one settlement of 30, got balance %d", bal)
	}
}

func TestMeteringStream_DefersCommitToSettler(t *testing.T) {
	st := newLedger(t, "u1", 100)
	ctx := context.Background()

	settler := NewSettler(st, flatEstimator{estimate: 40, cost: 20}, SettlerConfig{Workers: 1}, zap.NewNop())
	settler.Start(ctx)

	op := ChainStream(func(ctx context.Context, req *Request) (<-chan Chunk, error) {
		out := make(chan Chunk, 2)
		out <- Chunk{Data: []byte("hel")}
		out <- Chunk{Data: []byte("lo"), Usage: &Usage{InputTokens: 3, OutputTokens: 7}, Final: true}
		close(out)
		return out, nil
	}, MeteringStream(st, flatEstimator{estimate: 40, cost: 20}, settler, zap.NewNop()))

	req := &Request{UserID: "u1", Provider: "openai", Model: "gpt-test"}
	ch, err := op(ctx, req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	var got []byte
	for chunk := range ch {
		got = append(got, chunk.Data...)
	}
	if string(got) != "hello" {
		t.Fatalf("expected forwarded chunks, got %q", got)
	}

	settler.Close()

	bal, _ := st.Balance(ctx, "u1")
	if bal != 80 {
		t.Fatalf("expected settlement at 20, got balance %d", bal)
	}
	r, _ := st.GetReservation(ctx, req.BillingToken)
	if r.Status != store.ReservationCommitted {
		t.Fatalf("expected committed after settlement, got %s", r.Status)
	}
}

func TestMeteringStream_ReleasesWhenStreamFailsWithoutUsage(t *testing.T) {
	st := newLedger(t, "u1", 100)
	ctx := context.Background()

	settler := NewSettler(st, flatEstimator{estimate: 40, cost: 20}, SettlerConfig{Workers: 1}, zap.NewNop())
	settler.Start(ctx)
	defer settler.Close()

	op := ChainStream(func(ctx context.Context, req *Request) (<-chan Chunk, error) {
		out := make(chan Chunk, 1)
		out <- Chunk{Err: errors.New("stream broke")}
		close(out)
		return out, nil
	}, MeteringStream(st, flatEstimator{estimate: 40, cost: 20}, settler, zap.NewNop()))

	req := &Request{UserID: "u1", Provider: "openai", Model: "gpt-test"}
	ch, err := op(ctx, req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	for range ch {
	}

	r, _ := st.GetReservation(ctx, req.BillingToken)
	if r.Status != store.ReservationReleased {
		t.Fatalf("expected release after failed stream, got %s", r.Status)
	}
	bal, _ := st.Balance(ctx, "u1")
	if bal != 100 {
		t.Fatalf("expected full refund, got %d", bal)
	}
}
