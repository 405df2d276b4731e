package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/api/httpapi"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/config"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/events"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/logging"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/observability"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/queue"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/task"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Component: "api"})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	observability.RegisterMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.OTelConfig{
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "taskledger-api"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Postgres store
	st, err := store.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()

	// NATS JetStream queue (publisher)
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

	// Event broker with cross-instance bridge on the shared connection
	originID := "api-" + uuid.NewString()
	bridge := events.NewNATSBridgeConn(q.Conn(), cfg.EventBridgeSubject, logger)
	broker := events.NewBroker(events.Config{
		OriginID:          originID,
		DedupWindow:       cfg.EventDedupWindow,
		InternalTaskTypes: cfg.InternalTaskTypes,
	}, logger, bridge)
	defer broker.Close()

	if err := bridge.Start(broker); err != nil {
		logger.Fatal("event bridge subscribe failed", zap.Error(err))
	}

	states := task.NewStateMachine(st, broker, logger)
	svc := task.NewService(states, st, q, task.ServiceConfig{
		ListCacheTTL:      cfg.TaskListCacheTTL,
		InternalTaskTypes: cfg.InternalTaskTypes,
	}, logger)

	server := httpapi.NewServer(httpapi.Config{Port: cfg.HTTPPort}, logger, svc, broker)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
