package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/storqdev/storq/coordinator"
	"github.com/storqdev/storq/events"
	"github.com/storqdev/storq/queue"
	"github.com/storqdev/storq/schedule"
)

// Backend is the node surface the ops API serves. *storq.Node satisfies it.
type Backend interface {
	// Healthy reports whether the backing store answers.
	Healthy(ctx context.Context) error
	// Engine returns the engine serving a queue this node has opened.
	Engine(name string) (*queue.Engine, bool)
	// EngineNames lists the opened queues, sorted.
	EngineNames() []string
	// Queues lists every queue registered in the store.
	Queues(ctx context.Context) ([]queue.Meta, error)
}

// Options wires the optional surfaces of the API.
type Options struct {
	// Core exposes cluster membership on /v1/workers and /v1/coordinator.
	Core *coordinator.Core
	// Bus feeds the /v1/events websocket.
	Bus *events.Bus
	// Schedules is served read-only on /v1/schedules.
	Schedules []schedule.Entry
	Logger    *zap.Logger
}

// Server is the HTTP ops API.
type Server struct {
	backend   Backend
	core      *coordinator.Core
	bus       *events.Bus
	schedules []schedule.Entry
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	srv *http.Server
	lis net.Listener
}

// New builds the API around backend.
func New(backend Backend, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		backend:   backend,
		core:      opts.Core,
		bus:       opts.Bus,
		schedules: opts.Schedules,
		logger:    opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/v1/healthz", s.handleHealth)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/queues", s.handleQueues)
	r.Route("/v1/queues/{queue}", func(r chi.Router) {
		r.Post("/enqueue", s.handleEnqueue)
		r.Get("/stats", s.handleQueueStats)
		r.Get("/messages", s.handleMessages)
		r.Get("/messages/{id}", s.handleMessage)
		r.Get("/dlq", s.handleDeadLetters)
		r.Post("/dlq/requeue", s.handleRequeue)
		r.Delete("/dlq", s.handlePurgeAll)
		r.Delete("/dlq/{id}", s.handlePurge)
	})
	r.Get("/v1/workers", s.handleWorkers)
	r.Get("/v1/coordinator", s.handleCoordinator)
	r.Get("/v1/schedules", s.handleSchedules)
	r.Get("/v1/events", s.handleEvents)

	s.srv = &http.Server{Handler: r}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http api listening", zap.String("addr", l.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listen address, empty before ListenAndServe.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Close force-closes the listener.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
