package billing

import "strings"

// Rate prices one provider/model pair in credits per thousand units.
type Rate struct {
	InputPerK  int64
	OutputPerK int64
	Minimum    int64
}

// RateTable is an Estimator backed by a static rate list. Lookup is by
// "provider/model", falling back to a provider-wide "provider/*" entry and
// then the default rate.
type RateTable struct {
	Rates   map[string]Rate
	Default Rate

	// EstimateOutputUnits is the assumed output size for reservations,
	// before the provider reports real usage.
	EstimateOutputUnits int64
}

func NewRateTable() *RateTable {
	return &RateTable{
		Rates:               make(map[string]Rate),
		Default:             Rate{InputPerK: 10, OutputPerK: 30, Minimum: 1},
		EstimateOutputUnits: 1024,
	}
}

func (t *RateTable) rate(provider, model string) Rate {
	if r, ok := t.Rates[provider+"/"+model]; ok {
		return r
	}
	if r, ok := t.Rates[provider+"/*"]; ok {
		return r
	}
	return t.Default
}

// Estimate prices a request for the up-front reservation. Input size is
// approximated from the payload length; output at the configured assumption.
func (t *RateTable) Estimate(req *Request) int64 {
	inputUnits := int64(len(req.Input)) / 4
	return t.price(req.Provider, req.Model, Usage{
		InputTokens:  inputUnits,
		OutputTokens: t.EstimateOutputUnits,
	})
}

// Cost prices reported usage for the commit.
func (t *RateTable) Cost(req *Request, u Usage) int64 {
	return t.price(req.Provider, req.Model, u)
}

func (t *RateTable) price(provider, model string, u Usage) int64 {
	r := t.rate(strings.ToLower(provider), strings.ToLower(model))
	cost := (u.InputTokens*r.InputPerK + u.OutputTokens*r.OutputPerK) / 1000
	if cost < r.Minimum {
		cost = r.Minimum
	}
	return cost
}
