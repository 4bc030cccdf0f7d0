package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/health"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

// Service is the checker the HTTP layer exposes
type Service interface {
	CheckConnection(ctx context.Context, dialedNumber, callerID string) (*models.ConnectionResult, error)
	Disconnect(ctx context.Context, channelID string) (*models.DisconnectResult, error)
	AddMock(numbers []string, ttl time.Duration) (*models.MockAddResult, error)
	ClearMocks() int
	MockStatus() models.MockStatus
	MockTTL() time.Duration
}

// Metrics is the subset of the metrics service used for request accounting
type Metrics interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

type Config struct {
	Addr            string
	APIKey          string
	DevKey          string
	CORSEnabled     bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MetricsPath     string
}

// Server is the HTTP front of the checker
type Server struct {
	config   Config
	service  Service
	limiter  RateLimiter
	metrics  Metrics
	health   *health.HealthService
	exporter http.Handler
	server   *http.Server
}

type Option func(*Server)

// WithRateLimiter throttles authenticated requests per key
func WithRateLimiter(l RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMetrics records per-route request counters and latencies
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts the health service routes
func WithHealth(hs *health.HealthService) Option {
	return func(s *Server) { s.health = hs }
}

// WithExporter serves h at Config.MetricsPath
func WithExporter(h http.Handler) Option {
	return func(s *Server) { s.exporter = h }
}

func NewServer(config Config, service Service, opts ...Option) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 15 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	s := &Server{
		config:  config,
		service: service,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewHealthService(0)
	}

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler is the root handler: the router, behind CORS when enabled
func (s *Server) Handler() http.Handler {
	router := s.Router()
	if s.config.CORSEnabled {
		return s.cors(router)
	}
	return router
}

// Router builds the route table with middleware applied
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.recoverer, s.requestID, s.accessLog)

	s.health.Mount(router)

	router.Handle("/check-connection", s.requireKey(keyAPI, s.handleCheckConnection)).Methods(http.MethodGet)
	router.Handle("/disconnect-call", s.requireKey(keyAPI, s.handleDisconnect)).Methods(http.MethodDelete, http.MethodPost)

	router.Handle("/mock-connect", s.requireKey(keyDev, s.handleMockConnect)).Methods(http.MethodPost)
	router.Handle("/clear-mocks", s.requireKey(keyDev, s.handleClearMocks)).Methods(http.MethodDelete)
	router.Handle("/mock-status", s.requireKey(keyDev, s.handleMockStatus)).Methods(http.MethodGet)

	if s.exporter != nil {
		router.Handle(s.config.MetricsPath, s.exporter).Methods(http.MethodGet)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Code: "NOT_FOUND"})
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Code: "METHOD_NOT_ALLOWED"})
	})

	return router
}

// Start blocks serving requests until Shutdown
func (s *Server) Start() error {
	logger.WithField("addr", s.server.Addr).Info("API server started")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
