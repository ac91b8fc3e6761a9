package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/monitoring"
	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// RingInspector exposes non-consuming event ring counters
type RingInspector interface {
	Stats() (ports.RingStats, bool)
}

// Dependencies are the collaborators the control API reads from.
// Reconciler and History are required; the rest are optional.
type Dependencies struct {
	Reconciler ports.StateReconciler
	History    ports.EventHistory
	Hub        ports.Broadcaster
	Ring       RingInspector
	Metrics    *monitoring.Metrics
	Runtime    *monitoring.RuntimeMonitor
}

// Server is the local control API next to the push hub
type Server struct {
	config  entities.APIConfig
	deps    Dependencies
	logger  *slog.Logger
	limiter *rateLimiter

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	running  bool
	done     chan struct{}
}

var _ ports.HTTPServer = (*Server)(nil)

// NewServer creates a control API server
func NewServer(config entities.APIConfig, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Runtime == nil {
		deps.Runtime = monitoring.NewRuntimeMonitor()
	}
	return &Server{
		config:  config,
		deps:    deps,
		logger:  logger.With("adapter", "api"),
		limiter: newRateLimiter(time.Now),
	}
}

// Start binds the listener and serves in the background. A bind failure is
// returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server already running")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("binding control API on %s: %w", s.config.Addr(), err)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.GetReadTimeout(),
		WriteTimeout: s.config.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}
	s.listener = listener
	s.running = true
	s.done = make(chan struct{})

	server, done := s.server, s.done
	go func() {
		defer close(done)
		s.logger.Info("Control API listening", slog.String("address", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Control API server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return errors.New("server not running")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.GetShutdownTimeout())
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-s.done

	s.running = false
	s.listener = nil
	return nil
}

// IsRunning returns whether the server is currently running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound address, or nil when stopped
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Handler builds the routed, middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/ingest/{producer}", s.handleIngest).Methods(http.MethodPost)
	router.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	if s.deps.Metrics != nil {
		router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleError(w, errors.New("no route"), http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleError(w, fmt.Errorf("%s not allowed on %s", r.Method, r.URL.Path), http.StatusMethodNotAllowed)
	})

	router.Use(s.instrumentMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.GetCORSOrigins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           300,
	})

	// Applied outermost last: recovery -> logging -> rate limiting -> security -> cors -> router
	handler := c.Handler(router)
	handler = securityHeadersMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = createLoggingMiddleware(handler, s.logger)
	handler = createRecoveryMiddleware(handler, s.logger)

	return handler
}
