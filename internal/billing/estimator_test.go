package billing

import "testing"

func TestRateTable_Lookup(t *testing.T) {
	rt := NewRateTable()
	rt.Rates["openai/gpt-test"] = Rate{InputPerK: 100, OutputPerK: 200, Minimum: 1}
	rt.Rates["openai/*"] = Rate{InputPerK: 50, OutputPerK: 50, Minimum: 1}

	u := Usage{InputTokens: 1000, OutputTokens: 1000}

	if got := rt.Cost(&Request{Provider: "openai", Model: "gpt-test"}, u); got != 300 {
		t.Fatalf("exact rate: expected 300, got %d", got)
	}
	// lookup ignores case
	if got := rt.Cost(&Request{Provider: "OpenAI", Model: "GPT-Test"}, u); got != 300 {
		t.Fatalf("case-insensitive rate: expected 300, got %d", got)
	}
	if got := rt.Cost(&Request{Provider: "openai", Model: "gpt-other"}, u); got != 100 {
		t.Fatalf("provider wildcard: expected 100, got %d", got)
	}
	if got := rt.Cost(&Request{Provider: "somebody", Model: "else"}, u); got != 40 {
		t.Fatalf("default rate: expected 40, got %d", got)
	}
}

func TestRateTable_MinimumFloor(t *testing.T) {
	rt := NewRateTable()
	rt.Rates["openai/tiny"] = Rate{InputPerK: 1, OutputPerK: 1, Minimum: 5}

	got := rt.Cost(&Request{Provider: "openai", Model: "tiny"}, Usage{InputTokens: 1, OutputTokens: 1})
	if got != 5 {
		t.Fatalf("expected minimum floor 5, got %d", got)
	}
}

func TestRateTable_EstimateAssumesOutput(t *testing.T) {
	rt := NewRateTable()
	rt.EstimateOutputUnits = 2000
	rt.Rates["openai/gpt-test"] = Rate{InputPerK: 10, OutputPerK: 30, Minimum: 1}

	// 400 bytes of input -> 100 input units; 2000 assumed output units
	req := &Request{Provider: "openai", Model: "gpt-test", Input: make([]byte, 400)}
	want := (100*10 + 2000*30) / 1000
	if got := rt.Estimate(req); got != int64(want) {
		t.Fatalf("expected estimate %d, got %d", want, got)
	}
}
