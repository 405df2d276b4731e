package billing

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/observability"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

// Metering returns the middleware that brackets an invocation with the
// ledger. Flow per request:
//
//	exempt        -> call through untouched
//	reserve fails -> *Error, provider never called
//	call fails    -> release, provider error returned as-is
//	call ok       -> commit at actual cost; streams leave the reservation
//	                 open for the settlement pipeline
//
// Commit and release failures after a successful reserve are logged, never
// surfaced: the reservation stays resolvable by token and a later
// settlement or sweep can finish it.
func Metering(ledger Ledger, estimator Estimator, logger *zap.Logger) Middleware {
	return func(next Operation) Operation {
		return func(ctx context.Context, req *Request) (*Result, error) {
			if req.SkipBilling {
				return next(ctx, req)
			}

			token := resolveToken(ctx, req)
			estimate := estimator.Estimate(req)

			if err := ledger.Reserve(ctx, token, req.UserID, estimate, req.Provider, req.Model, req.Feature); err != nil {
				if errors.Is(err, store.ErrInsufficientCredits) {
					observability.LedgerOpsTotal.WithLabelValues("reserve", "insufficient").Inc()
					return nil, &Error{Reason: ReasonInsufficientCredits, Err: err}
				}
				observability.LedgerOpsTotal.WithLabelValues("reserve", "error").Inc()
				return nil, &Error{Reason: ReasonReserveFailed, Err: err}
			}
			observability.LedgerOpsTotal.WithLabelValues("reserve", "ok").Inc()

			res, err := next(ContextWithToken(ctx, token), req)
			if err != nil {
				if relErr := ledger.Release(ctx, token); relErr != nil {
					observability.LedgerOpsTotal.WithLabelValues("release", "error").Inc()
					logger.Error("release reservation after failed call",
						zap.String("billing_token", token),
						zap.String("user_id", req.UserID),
						zap.Error(relErr),
					)
				} else {
					observability.LedgerOpsTotal.WithLabelValues("release", "ok").Inc()
				}
				return nil, err
			}

			if req.Stream {
				// usage unknown until the stream drains; the settlement
				// pipeline commits this token later
				return res, nil
			}

			var final *int64
			if res != nil && res.Usage != nil {
				cost := estimator.Cost(req, *res.Usage)
				final = &cost
			}
			if err := ledger.Commit(ctx, token, final); err != nil {
				observability.LedgerOpsTotal.WithLabelValues("commit", "error").Inc()
				logger.Error("commit reservation after successful call",
					zap.String("billing_token", token),
					zap.String("user_id", req.UserID),
					zap.Error(err),
				)
			} else {
				observability.LedgerOpsTotal.WithLabelValues("commit", "ok").Inc()
			}
			return res, nil
		}
	}
}
