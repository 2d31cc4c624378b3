package access

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/monitoring"
)

// Handler exposes the enforcement point over HTTP
type Handler struct {
	service    *Service
	router     *mux.Router
	limiter    *RateLimiter
	monitoring *monitoring.MonitoringMiddleware
	health     *monitoring.HealthManager
	metrics    *monitoring.Metrics
	logger     *logger.Logger

	trustedProxies []*net.IPNet
}

// HandlerOptions carries the optional HTTP collaborators
type HandlerOptions struct {
	Limiter     *RateLimiter
	Health      *monitoring.HealthManager
	Metrics     *monitoring.Metrics
	Tracing     *monitoring.TracingManager
	MetricsPath string
	HealthPath  string

	// TrustedProxies may set X-Forwarded-For and X-MFA-Verified; other peers' values are ignored
	TrustedProxies []*net.IPNet
}

// NewHandler builds the router
func NewHandler(service *Service, opts HandlerOptions, log *logger.Logger) *Handler {
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewNopMetrics()
	}
	if opts.Tracing == nil {
		opts.Tracing = monitoring.NewNopTracing()
	}
	if opts.Health == nil {
		opts.Health = monitoring.NewHealthManager("ehr-access", "dev")
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}

	h := &Handler{
		service:    service,
		router:     mux.NewRouter(),
		limiter:    opts.Limiter,
		monitoring: monitoring.NewMonitoringMiddleware(opts.Metrics, opts.Tracing, log),
		health:     opts.Health,
		metrics:    opts.Metrics,
		logger:     log,

		trustedProxies: opts.TrustedProxies,
	}
	h.setupRoutes(opts.MetricsPath, opts.HealthPath)
	return h
}

func (h *Handler) setupRoutes(metricsPath, healthPath string) {
	h.router.Use(h.requestIDMiddleware, h.monitoring.HTTPMiddleware, h.traceIDMiddleware, h.securityHeadersMiddleware)

	h.router.Handle(healthPath, h.health.HTTPHandler()).Methods(http.MethodGet)
	h.router.Handle(metricsPath, h.metrics.Handler()).Methods(http.MethodGet)

	api := h.router.PathPrefix("/api/v1").Subrouter()
	api.Use(h.rateLimitMiddleware, h.maxBodyMiddleware)

	api.HandleFunc("/auth/login", h.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/password", h.handleChangePassword).Methods(http.MethodPost)

	api.HandleFunc("/access/{resourceType}/{resourceID}/{action}", h.handleAccess).Methods(http.MethodPost)

	api.HandleFunc("/audit/decisions", h.handleListDecisions).Methods(http.MethodGet)
	api.HandleFunc("/audit/decisions/{id}", h.handleGetDecision).Methods(http.MethodGet)
	api.HandleFunc("/audit/export", h.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/audit/summary", h.handleSummary).Methods(http.MethodGet)

	api.HandleFunc("/remediations", h.handleRemediate).Methods(http.MethodPost)
	api.HandleFunc("/remediations", h.handleListRemediations).Methods(http.MethodGet)
	api.HandleFunc("/reviews", h.handlePendingReviews).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Server wraps http.Server with graceful shutdown
type Server struct {
	server *http.Server
	logger *logger.Logger
}

// NewServer creates an HTTP server for the handler
func NewServer(cfg config.ServerConfig, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:         cfg.Address(),
			Handler:      handler,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:  time.Duration(cfg.IdleTimeout) * time.Second,
		},
		logger: log,
	}
}

// Start serves until Shutdown is called
func (s *Server) Start(certFile, keyFile string) error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting access service")

	var err error
	if certFile != "" && keyFile != "" {
		err = s.server.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
