package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/billing"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

// Task types executed by this worker.
const (
	TypeTextGeneration       = "TEXT_GENERATION"
	TypeGenerateSummary      = "GENERATE_SUMMARY"
	TypeBatchGenerateSummary = "BATCH_GENERATE_SUMMARY"
)

// HandlerDeps is everything the built-in handlers need.
type HandlerDeps struct {
	Invoke   billing.Operation
	Stream   billing.StreamOperation
	Fanout   *Fanout
	GroupPar int
}

type generationParams struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Feature  string          `json:"feature"`
	Input    json.RawMessage `json:"input"`
	Stream   bool            `json:"stream,omitempty"`
}

type generationResult struct {
	Output json.RawMessage `json:"output"`
	Usage  *billing.Usage  `json:"usage,omitempty"`
}

type batchParams struct {
	Items []json.RawMessage `json:"items"`
}

// RegisterBuiltins adds the built-in task type handlers to r. Invoke and
// Stream are expected to already carry the metering middleware.
func RegisterBuiltins(r *Registry, deps HandlerDeps) {
	r.Register(TypeTextGeneration, generationHandler(deps, false))
	r.Register(TypeGenerateSummary, generationHandler(deps, true))

	r.Register(TypeBatchGenerateSummary, func(ctx context.Context, t *store.Task, report ProgressFunc) (json.RawMessage, error) {
		var p batchParams
		if err := json.Unmarshal(t.Parameters, &p); err != nil {
			return nil, Permanent(fmt.Errorf("invalid batch parameters: %w", err))
		}
		if len(p.Items) == 0 {
			return nil, Permanent(fmt.Errorf("batch requires at least one item"))
		}

		units := make([]GroupUnit, len(p.Items))
		for i, item := range p.Items {
			units[i] = GroupUnit{Type: TypeGenerateSummary, Parameters: item}
		}

		group, err := deps.Fanout.RunGroup(ctx, t, units, deps.GroupPar)
		if err != nil {
			return nil, err
		}
		return json.Marshal(group)
	})
}

// generationHandler runs one metered model invocation. exempt marks
// internal maintenance types that bypass billing.
func generationHandler(deps HandlerDeps, exempt bool) Handler {
	return func(ctx context.Context, t *store.Task, report ProgressFunc) (json.RawMessage, error) {
		var p generationParams
		if err := json.Unmarshal(t.Parameters, &p); err != nil {
			return nil, Permanent(fmt.Errorf("invalid generation parameters: %w", err))
		}
		if p.Model == "" {
			return nil, Permanent(fmt.Errorf("model is required"))
		}

		req := &billing.Request{
			UserID:      t.UserID,
			Provider:    p.Provider,
			Model:       p.Model,
			Feature:     p.Feature,
			Input:       p.Input,
			SkipBilling: exempt,
		}

		if p.Stream {
			return runStream(ctx, deps.Stream, req, report)
		}

		res, err := deps.Invoke(ctx, req)
		if err != nil {
			if _, billed := billing.AsError(err); billed {
				// out of credits never resolves by retrying the attempt
				return nil, Permanent(err)
			}
			return nil, err
		}
		return json.Marshal(generationResult{Output: res.Output, Usage: res.Usage})
	}
}

// runStream drains a streamed invocation, reporting accumulated output as
// progress. Settlement of the reservation happens off this path.
func runStream(ctx context.Context, op billing.StreamOperation, req *billing.Request, report ProgressFunc) (json.RawMessage, error) {
	ch, err := op(ctx, req)
	if err != nil {
		if _, billed := billing.AsError(err); billed {
			return nil, Permanent(err)
		}
		return nil, err
	}

	var buf bytes.Buffer
	var usage *billing.Usage
	chunks := 0
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		buf.Write(chunk.Data)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		chunks++
		if report != nil && chunks%10 == 0 {
			progress, _ := json.Marshal(map[string]int{"chunks": chunks, "bytes": buf.Len()})
			_ = report(ctx, progress)
		}
	}

	// deltas are raw text fragments, not JSON
	out := map[string]any{"text": buf.String()}
	if usage != nil {
		out["usage"] = usage
	}
	return json.Marshal(out)
}
