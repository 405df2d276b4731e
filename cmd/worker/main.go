package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/billing"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/config"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/events"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/logging"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/observability"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/provider"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/queue"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/task"
	workerpkg "github.com/longfeng22/MaliangAINovalWriter-sub003/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Component: "worker"})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	observability.RegisterMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.OTelConfig{
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "taskledger-worker"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.WorkerMetricsPort)
		logger.Info("worker metrics server starting", zap.String("addr", addr))
		_ = http.ListenAndServe(addr, mux)
	}()

	st, err := store.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()

	q, err := queue.New(context.Background(), queue.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: cfg.NATSConsumerName,
		AckWait:      30 * time.Second,
		MaxDeliver:   cfg.WorkerMaxRetries + 2,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer q.Close()

	nodeID := "worker-" + uuid.NewString()

	bridge := events.NewNATSBridgeConn(q.Conn(), cfg.EventBridgeSubject, logger)
	broker := events.NewBroker(events.Config{
		OriginID:          nodeID,
		DedupWindow:       cfg.EventDedupWindow,
		InternalTaskTypes: cfg.InternalTaskTypes,
	}, logger, bridge)
	defer broker.Close()

	if err := bridge.Start(broker); err != nil {
		logger.Fatal("event bridge subscribe failed", zap.Error(err))
	}

	states := task.NewStateMachine(st, broker, logger)

	// Billing chain around the model gateway
	estimator := billing.NewRateTable()
	settler := billing.NewSettler(st, estimator, billing.SettlerConfig{
		Workers:   cfg.FanoutParallelism,
		QueueSize: cfg.SettlementQueueSize,
		RetryMax:  cfg.SettlementRetryMax,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settler.Start(ctx)
	defer settler.Close()

	// Sweep reservations orphaned by crashes or exhausted settler retries
	reconciler := billing.NewReconciler(st, st, billing.ReconcilerConfig{
		Interval: cfg.SettlementSweepInterval,
		Cutoff:   cfg.SettlementSweepCutoff,
	}, logger)
	go reconciler.Run(ctx)

	gateway := provider.NewGateway(provider.Config{
		BaseURL: cfg.ModelGatewayURL,
		Timeout: cfg.ModelGatewayTimeout,
	}, logger)

	invoke := billing.Chain(gateway.Invoke, billing.Metering(st, estimator, logger))
	stream := billing.ChainStream(gateway.Stream, billing.MeteringStream(st, estimator, settler, logger))

	runnerCfg := workerpkg.Config{
		NodeID:      nodeID,
		MaxRetries:  cfg.WorkerMaxRetries,
		BackoffBase: cfg.WorkerBackoffBase,
		BackoffMax:  cfg.WorkerBackoffMax,
	}

	registry := workerpkg.NewRegistry()
	fanout := workerpkg.NewFanout(states, st, registry, runnerCfg, logger)
	workerpkg.RegisterBuiltins(registry, workerpkg.HandlerDeps{
		Invoke:   invoke,
		Stream:   stream,
		Fanout:   fanout,
		GroupPar: cfg.FanoutParallelism,
	})

	runner := workerpkg.NewRunner(states, registry, q, runnerCfg, logger)

	sub, err := ensurePullSub(q, cfg, logger)
	if err != nil {
		logger.Fatal("create pull consumer failed", zap.Error(err))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	wg := &sync.WaitGroup{}
	sem := make(chan struct{}, cfg.WorkerConcurrency)

	logger.Info("worker started",
		zap.String("node_id", nodeID),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("poll_timeout", cfg.WorkerPollTimeout),
		zap.Int("max_retries", cfg.WorkerMaxRetries),
		zap.Duration("backoff_base", cfg.WorkerBackoffBase),
		zap.Duration("backoff_max", cfg.WorkerBackoffMax),
	)

	go func() {
		<-stop
		logger.Info("shutdown signal received")
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logger.Info("worker stopped")
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(cfg.WorkerPollTimeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			logger.Warn("fetch error", zap.Error(err))
			continue
		}

		for _, m := range msgs {
			sem <- struct{}{}
			wg.Add(1)

			go func(m *nats.Msg) {
				defer wg.Done()
				defer func() { <-sem }()

				action, attempt := runner.HandleMsg(ctx, m)
				switch action {
				case workerpkg.ActionRetry:
					// NakWithDelay lets the server own the backoff; sleeping
					// here would pin a concurrency slot for the whole delay
					delay := workerpkg.Backoff(cfg.WorkerBackoffBase, cfg.WorkerBackoffMax, attempt)
					_ = m.NakWithDelay(delay)
				default:
					_ = m.Ack()
				}
			}(m)
		}
	}
}

func ensurePullSub(q *queue.Queue, cfg *config.Config, logger *zap.Logger) (*nats.Subscription, error) {
	js := q.JetStream()

	sub, err := js.PullSubscribe(queue.SubjectDispatch, cfg.NATSConsumerName,
		nats.BindStream(cfg.NATSStreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("pull subscription ready",
		zap.String("stream", cfg.NATSStreamName),
		zap.String("consumer", cfg.NATSConsumerName),
	)
	return sub, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
