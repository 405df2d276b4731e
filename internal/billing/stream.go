package billing

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/observability"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

// Chunk is one element of a streamed invocation. The terminal chunk carries
// the provider's usage totals.
type Chunk struct {
	Data  []byte
	Usage *Usage
	Final bool
	Err   error
}

// StreamOperation performs a streaming provider call. The returned channel
// is closed after the final chunk.
type StreamOperation func(ctx context.Context, req *Request) (<-chan Chunk, error)

// StreamMiddleware decorates a StreamOperation.
type StreamMiddleware func(StreamOperation) StreamOperation

// ChainStream composes stream middleware around op; the first middleware is
// the outermost.
func ChainStream(op StreamOperation, mw ...StreamMiddleware) StreamOperation {
	for i := len(mw) - 1; i >= 0; i-- {
		op = mw[i](op)
	}
	return op
}

// MeteringStream brackets a streaming invocation: reserve up front, release
// if the stream cannot be opened, and hand the final usage to the settler
// once the stream drains. The response path never waits on the commit.
func MeteringStream(ledger Ledger, estimator Estimator, settler *Settler, logger *zap.Logger) StreamMiddleware {
	return func(next StreamOperation) StreamOperation {
		return func(ctx context.Context, req *Request) (<-chan Chunk, error) {
			if req.SkipBilling {
				return next(ctx, req)
			}
			req.Stream = true

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

			upstream, err := next(ContextWithToken(ctx, token), req)
			if err != nil {
				if relErr := ledger.Release(ctx, token); relErr != nil {
					observability.LedgerOpsTotal.WithLabelValues("release", "error").Inc()
					logger.Error("release reservation after failed stream open",
						zap.String("billing_token", token),
						zap.Error(relErr),
					)
				} else {
					observability.LedgerOpsTotal.WithLabelValues("release", "ok").Inc()
				}
				return nil, err
			}

			out := make(chan Chunk)
			go func() {
				defer close(out)
				var usage *Usage
				var streamErr error
				for chunk := range upstream {
					if chunk.Usage != nil {
						usage = chunk.Usage
					}
					if chunk.Err != nil {
						streamErr = chunk.Err
					}
					out <- chunk
				}

				switch {
				case streamErr != nil && usage == nil:
					// nothing consumed; the whole reserve is refunded
					if err := ledger.Release(context.WithoutCancel(ctx), token); err != nil {
						logger.Error("release reservation after failed stream",
							zap.String("billing_token", token),
							zap.Error(err),
						)
					}
				case usage != nil:
					settler.Submit(UsageReport{
						Token:    token,
						UserID:   req.UserID,
						Provider: req.Provider,
						Model:    req.Model,
						Feature:  req.Feature,
						Usage:    *usage,
					})
				default:
					// drained without usage totals; commit at the reserved
					// amount so the reservation does not dangle
					if err := ledger.Commit(context.WithoutCancel(ctx), token, nil); err != nil {
						logger.Error("commit reservation at estimate after usage-less stream",
							zap.String("billing_token", token),
							zap.Error(err),
						)
					}
					logger.Warn("stream ended without usage, settled at estimate",
						zap.String("billing_token", token),
					)
				}
			}()
			return out, nil
		}
	}
}
