package billing

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/observability"
)

// UsageReport is the settlement signal for a streamed invocation: the
// provider's true usage for the reservation identified by Token.
type UsageReport struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Feature  string `json:"feature"`
	Usage    Usage  `json:"usage"`

	// Exempt mirrors Request.SkipBilling; such reports are dropped.
	Exempt bool `json:"exempt,omitempty"`
}

// SettlerConfig tunes the settlement pipeline.
type SettlerConfig struct {
	Workers     int
	QueueSize   int
	RetryMax    int
	BackoffBase time.Duration
}

// Settler commits streamed reservations at their true cost. Reports are
// sharded by token onto fixed worker queues, so reports for the same token
// run serially, and a token already queued or in flight absorbs duplicate
// signals. The ledger commit is itself idempotent, which covers duplicates
// that arrive after settlement finished.
type Settler struct {
	ledger    Ledger
	estimator Estimator
	logger    *zap.Logger
	cfg       SettlerConfig

	queues []chan UsageReport
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

func NewSettler(ledger Ledger, estimator Estimator, cfg SettlerConfig, logger *zap.Logger) *Settler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}

	s := &Settler{
		ledger:    ledger,
		estimator: estimator,
		logger:    logger,
		cfg:       cfg,
		queues:    make([]chan UsageReport, cfg.Workers),
		inflight:  make(map[string]struct{}),
	}
	for i := range s.queues {
		s.queues[i] = make(chan UsageReport, cfg.QueueSize)
	}
	return s
}

// Start launches the workers. Settlement of queued reports continues until
// Close; ctx bounds individual ledger calls, not the pipeline lifetime.
func (s *Settler) Start(ctx context.Context) {
	for i := range s.queues {
		s.wg.Add(1)
		go func(q <-chan UsageReport) {
			defer s.wg.Done()
			for report := range q {
				s.settle(ctx, report)
				s.mu.Lock()
				delete(s.inflight, report.Token)
				s.mu.Unlock()
			}
		}(s.queues[i])
	}
}

// Submit enqueues a usage report. It reports false when the report was
// dropped: exempt, a duplicate of one already pending, a missing token, or
// a full queue.
func (s *Settler) Submit(report UsageReport) bool {
	if report.Exempt {
		observability.SettlementsTotal.WithLabelValues("skipped").Inc()
		return false
	}
	if report.Token == "" {
		s.logger.Warn("usage report without billing token dropped",
			zap.String("user_id", report.UserID),
		)
		observability.SettlementsTotal.WithLabelValues("invalid").Inc()
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.inflight[report.Token]; dup {
		s.mu.Unlock()
		observability.SettlementsTotal.WithLabelValues("duplicate").Inc()
		return false
	}
	s.inflight[report.Token] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queues[s.shard(report.Token)] <- report:
		return true
	default:
		s.mu.Lock()
		delete(s.inflight, report.Token)
		s.mu.Unlock()
		s.logger.Error("settlement queue full, report dropped",
			zap.String("billing_token", report.Token),
		)
		observability.SettlementsTotal.WithLabelValues("overflow").Inc()
		return false
	}
}

// Close stops intake and waits for queued reports to settle.
func (s *Settler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, q := range s.queues {
		close(q)
	}
	s.wg.Wait()
}

func (s *Settler) settle(ctx context.Context, report UsageReport) {
	cost := s.estimator.Cost(&Request{
		UserID:   report.UserID,
		Provider: report.Provider,
		Model:    report.Model,
		Feature:  report.Feature,
	}, report.Usage)

	var err error
	for attempt := 0; attempt < s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.BackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
		if err = s.ledger.Commit(ctx, report.Token, &cost); err == nil {
			observability.SettlementsTotal.WithLabelValues("ok").Inc()
			return
		}
	}

	observability.SettlementsTotal.WithLabelValues("error").Inc()
	s.logger.Error("settlement failed, reservation left open",
		zap.String("billing_token", report.Token),
		zap.String("user_id", report.UserID),
		zap.Int64("cost", cost),
		zap.Error(err),
	)
}

func (s *Settler) shard(token string) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	return int(h.Sum32() % uint32(len(s.queues)))
}
