package billing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/observability"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

// ReservationScanner lists open holds older than a cutoff.
type ReservationScanner interface {
	StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]store.Reservation, error)
}

// ReconcilerConfig tunes the stale-reservation sweep.
type ReconcilerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Cutoff is how old an open reservation must be before the sweep
	// settles it. It must comfortably exceed the longest legitimate
	// stream, or the sweep races the settler.
	Cutoff time.Duration
	// BatchSize bounds one sweep's work.
	BatchSize int
}

// Reconciler closes reservations the normal settlement path lost track of:
// a process that crashed between reserve and settlement, or a settler whose
// retries ran out. Each stale hold is committed at its reserved amount, so
// the user is charged the estimate rather than holding credits forever.
// Commit is idempotent, so the sweep racing a concurrent settlement is
// harmless.
type Reconciler struct {
	scanner ReservationScanner
	ledger  Ledger
	logger  *zap.Logger
	cfg     ReconcilerConfig
}

func NewReconciler(scanner ReservationScanner, ledger Ledger, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Cutoff <= 0 {
		cfg.Cutoff = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{scanner: scanner, ledger: ledger, logger: logger, cfg: cfg}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reservation sweep failed", zap.Error(err))
			} else if swept > 0 {
				r.logger.Info("reservation sweep settled stale holds", zap.Int("count", swept))
			}
		}
	}
}

// Sweep settles every open reservation older than the cutoff at its reserved
// amount and returns how many it closed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stale, err := r.scanner.StaleReservations(ctx, time.Now().Add(-r.cfg.Cutoff), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, res := range stale {
		if err := r.ledger.Commit(ctx, res.Token, nil); err != nil {
			r.logger.Error("stale reservation commit failed",
				zap.String("billing_token", res.Token),
				zap.String("user_id", res.UserID),
				zap.Error(err),
			)
			continue
		}
		swept++
		observability.SettlementsTotal.WithLabelValues("swept").Inc()
		r.logger.Warn("stale reservation settled at reserved amount",
			zap.String("billing_token", res.Token),
			zap.String("user_id", res.UserID),
			zap.Int64("amount", res.Amount),
			zap.Duration("age", time.Since(res.CreatedAt)),
		)
	}
	return swept, nil
}
