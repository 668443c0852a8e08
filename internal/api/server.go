// Package api serves the REST and WebSocket control plane for the
// orchestrator: order submission, inspection, cancellation, purge,
// queue health, and live event streaming.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/run"
	"github.com/agentgate/agentgate/internal/storage"
)

// Control is the orchestrator surface the API exposes.
type Control interface {
	Submit(ord *order.WorkOrder, opts queue.EnqueueOptions) (queue.Position, error)
	Execute(ctx context.Context, id string) (*run.Run, error)
	Cancel(id string) error
	Kill(id string, force bool) error
	Purge(filter orchestrator.PurgeFilter) ([]string, error)
	Health() orchestrator.Health
}

// Config holds server configuration.
type Config struct {
	Addr   string
	Logger *slog.Logger
	// HealthTTL caps how stale a cached health snapshot may be.
	HealthTTL time.Duration
}

// Server is the AgentGate API server.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger

	control   Control
	queue     *queue.Queue
	store     storage.Store
	publisher events.Publisher

	health *healthCache
	ws     *WSHandler

	httpServer *http.Server
}

// New creates an API server over the given collaborators.
func New(cfg Config, control Control, q *queue.Queue, store storage.Store, pub events.Publisher) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7466"
	}
	ttl := cfg.HealthTTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}

	s := &Server{
		addr:      cfg.Addr,
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "api"),
		control:   control,
		queue:     q,
		store:     store,
		publisher: pub,
	}
	s.health = newHealthCache(control, ttl)
	s.ws = NewWSHandler(pub, s.logger)
	s.registerRoutes()
	return s
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	s.mux.HandleFunc("GET /api/orders", s.handleListOrders)
	s.mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	s.mux.HandleFunc("GET /api/orders/{id}/position", s.handleGetPosition)
	s.mux.HandleFunc("POST /api/orders/{id}/cancel", s.handleCancelOrder)
	s.mux.HandleFunc("POST /api/orders/{id}/kill", s.handleKillOrder)
	s.mux.HandleFunc("POST /api/orders/purge", s.handlePurgeOrders)

	s.mux.HandleFunc("GET /api/queue", s.handleQueueState)
	s.mux.HandleFunc("GET /api/queue/health", s.handleQueueHealth)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)

	s.mux.HandleFunc("GET /api/events", s.ws.ServeHTTP)
}

// Handler returns the server's handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Start begins serving and blocks until ctx is canceled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.ws.CloseAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades hijack the connection; the recorder
		// would break that.
		if r.URL.Path == "/api/events" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
