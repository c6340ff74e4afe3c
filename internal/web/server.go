package web

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
	"github.com/vitos/ethpulse/internal/usecase"
)

// signalMaxAge bounds how long a pushed signal is served before
// /api/signal evaluates the market again.
const signalMaxAge = 10 * time.Minute

// SignalEvaluator produces a live signal on demand.
type SignalEvaluator interface {
	Evaluate(ctx context.Context) (*usecase.SignalResult, error)
}

type Server struct {
	router  *http.ServeMux
	server  *http.Server
	runs    domain.RunRepository
	signal  SignalEvaluator
	metrics http.Handler
	logger  *zap.Logger
	timeNow func() time.Time

	mu     sync.RWMutex
	latest *usecase.SignalResult
}

// NewServer wires the read-only API. signal and metrics may be nil, in which
// case their routes answer 503 and 404 respectively.
func NewServer(
	port int,
	runs domain.RunRepository,
	signal SignalEvaluator,
	metrics http.Handler,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:  http.NewServeMux(),
		runs:    runs,
		signal:  signal,
		metrics: metrics,
		logger:  logger,
		timeNow: time.Now,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /health", s.handleHealth)

	// Signal
	s.router.HandleFunc("GET /api/signal", s.handleSignal)

	// Runs
	s.router.HandleFunc("GET /api/runs", s.handleListRuns)
	s.router.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.router.HandleFunc("GET /api/runs/{id}/trades", s.handleRunTrades)
	s.router.HandleFunc("GET /api/runs/{id}/equity", s.handleRunEquity)

	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics)
	}
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetSignal publishes a result computed elsewhere, typically by a watch loop.
func (s *Server) SetSignal(res *usecase.SignalResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = res
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
