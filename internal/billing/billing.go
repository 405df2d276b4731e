// Package billing meters model invocations against a prepaid credit ledger.
// Every invocation is bracketed by a reserve at an estimated cost and a
// commit at the true cost (or a release on failure), all keyed by a billing
// token so that retries and duplicate signals settle exactly once.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Failure reasons carried by Error.
const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonReserveFailed       = "reserve_failed"
)

// Error marks an invocation that failed for billing reasons rather than
// provider reasons, so callers can distinguish "out of credits" from
// "model call failed".
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("billing: %s", e.Reason)
	}
	return fmt.Sprintf("billing: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError reports whether err is a billing failure and returns it.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Ledger is the credit store contract. Reserve debits an estimated amount
// under an idempotency token, Commit settles the reservation at its final
// amount crediting back any over-reserve, Release refunds it entirely.
// All three are idempotent per token.
type Ledger interface {
	Reserve(ctx context.Context, token, userID string, amount int64, provider, model, feature string) error
	Commit(ctx context.Context, token string, finalAmount *int64) error
	Release(ctx context.Context, token string) error
}

// Usage is the provider-reported consumption of a single invocation.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Request describes one model invocation to be metered.
type Request struct {
	UserID   string
	Provider string
	Model    string
	Feature  string

	// Input is the provider payload; metering treats it opaquely except
	// for cost estimation.
	Input []byte

	// Stream marks an invocation whose usage is only known after the
	// stream drains; commit is deferred to the settlement pipeline.
	Stream bool

	// BillingToken, when set by the caller, pins the idempotency token.
	// Otherwise one is resolved from the context or minted.
	BillingToken string

	// SkipBilling exempts the invocation entirely (internal maintenance
	// calls, admin replays). No reservation is made and settlement
	// signals for the token are ignored.
	SkipBilling bool
}

// Result is the provider response for a non-stream invocation.
type Result struct {
	Output []byte
	Usage  *Usage
}

// Operation performs the actual provider call. Middleware wraps it.
type Operation func(ctx context.Context, req *Request) (*Result, error)

// Middleware decorates an Operation.
type Middleware func(Operation) Operation

// Chain composes middleware around op; the first middleware is the
// outermost.
func Chain(op Operation, mw ...Middleware) Operation {
	for i := len(mw) - 1; i >= 0; i-- {
		op = mw[i](op)
	}
	return op
}

// Estimator converts requests and usage into credit amounts.
type Estimator interface {
	// Estimate prices a request before the call, for the reservation.
	Estimate(req *Request) int64
	// Cost prices actual usage after the call, for the commit.
	Cost(req *Request, u Usage) int64
}

type ctxKey int

const tokenKey ctxKey = 0

// ContextWithToken attaches a billing token to ctx so nested invocations
// settle under one reservation.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext returns the billing token attached to ctx, if any.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey).(string)
	return token, ok && token != ""
}

// resolveToken picks the billing token: explicit on the request, then the
// context, then a fresh mint written back to the request so the caller can
// correlate settlement signals.
func resolveToken(ctx context.Context, req *Request) string {
	if req.BillingToken != "" {
		return req.BillingToken
	}
	if token, ok := TokenFromContext(ctx); ok {
		req.BillingToken = token
		return token
	}
	token := uuid.NewString()
	req.BillingToken = token
	return token
}
