package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/events"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/observability"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/task"
)

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	tasks      *task.Service
	broker     *events.Broker
}

type Config struct {
	Port string
}

func NewServer(cfg Config, logger *zap.Logger, tasks *task.Service, broker *events.Broker) *Server {
	r := mux.NewRouter()

	routeName := func(r *http.Request) string {
		if rt := mux.CurrentRoute(r); rt != nil {
			if tpl, err := rt.GetPathTemplate(); err == nil && tpl != "" {
				return tpl
			}
		}
		return r.URL.Path
	}

	// Middlewares (order matters)
	r.Use(observability.RequestIDMiddleware)
	r.Use(observability.TracingMiddleware(routeName))
	r.Use(observability.HTTPMetricsMiddleware(routeName))
	r.Use(observability.AccessLogMiddleware(logger, routeName))

	srv := &Server{
		logger: logger,
		tasks:  tasks,
		broker: broker,
	}

	// Metrics
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Health
	r.HandleFunc("/api/v1/health", srv.handleHealth).Methods(http.MethodGet)

	// Tasks
	r.HandleFunc("/api/v1/tasks", srv.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/tasks", srv.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/{id}", srv.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/{id}/cancel", srv.handleCancelTask).Methods(http.MethodPost)

	// Live event feed
	r.HandleFunc("/api/v1/events", srv.handleEvents).Methods(http.MethodGet)

	s := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// long-lived SSE connections; write deadline handled per-stream
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	srv.httpServer = s
	return srv
}

func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }
